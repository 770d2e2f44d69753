/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Apr  3 10:40:12 2019 mstenber
 * Last modified: Sat Apr 27 11:02:51 2019 mstenber
 * Edit time:     123 min
 *
 */

package pagecache

import (
	"log"
	"sort"
	"time"

	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/util"
)

const DefaultPageBits = 12

// Mapping
//
// The set of cached pages of one file, keyed by page-aligned offset.
// It also carries the file's writeback error latch: asynchronous
// write errors are parked here until somebody (fsync, close) comes
// asking.
type Mapping struct {
	// PageBits is log2 of the page size.
	PageBits uint

	// CachePages bounds the number of cached pages; 0 means
	// unbounded. The bound is soft: dirty, busy and referenced
	// pages are never evicted.
	CachePages int

	// ReleasePage, if set, is consulted before a page leaves the
	// cache. Returning false vetoes the eviction (e.g. I/O still
	// pending on the page); on true the hook has detached
	// whatever private state it had on the page.
	ReleasePage func(p *Page) bool

	lock  util.MutexLocked
	pages map[int64]*Page
	err   error
}

func (self Mapping) Init() *Mapping {
	if self.PageBits == 0 {
		self.PageBits = DefaultPageBits
	}
	self.pages = make(map[int64]*Page)
	return &self
}

func (self *Mapping) PageSize() int {
	return 1 << self.PageBits
}

// PageOffset rounds the byte offset down to a page boundary.
func (self *Mapping) PageOffset(offset int64) int64 {
	return offset &^ (int64(self.PageSize()) - 1)
}

// GetPage returns the page covering offset, referenced and locked.
// If create is false and the page is not cached, returns nil.
func (self *Mapping) GetPage(offset int64, create bool) *Page {
	po := self.PageOffset(offset)
	self.lock.Lock()
	p := self.pages[po]
	if p == nil {
		if !create {
			self.lock.Unlock()
			return nil
		}
		p = newPage(self, po)
		self.pages[po] = p
		mlog.Printf2("pagecache/mapping", "m.GetPage new @%v", po)
	}
	p.refs.Add(1)
	p.used = time.Now()
	self.lock.Unlock()
	p.Lock()
	if self.CachePages > 0 {
		self.trim()
	}
	return p
}

// GetStablePage is GetPage that additionally waits out any writeback
// in progress. Use this before dirtying: a page must never be
// modified while it is on its way to the device.
func (self *Mapping) GetStablePage(offset int64) *Page {
	p := self.GetPage(offset, true)
	p.WaitWriteback()
	return p
}

// CollectDirty returns the dirty pages intersecting [start, end),
// referenced but not locked, in ascending offset order. end < 0
// means to the end of the file.
func (self *Mapping) CollectDirty(start, end int64) []*Page {
	defer self.lock.Locked()()
	var ret []*Page
	for po, p := range self.pages {
		if po+int64(self.PageSize()) <= start {
			continue
		}
		if end >= 0 && po >= end {
			continue
		}
		if p.State() != PageDirty {
			continue
		}
		p.refs.Add(1)
		ret = append(ret, p)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Offset < ret[j].Offset
	})
	return ret
}

// InvalidateRange drops the cached pages that lie entirely within
// [start, end). Dirty data in them is discarded, not written.
// Partially covered pages are left alone; the caller zeroes those
// explicitly if it needs to.
func (self *Mapping) InvalidateRange(start, end int64) {
	self.lock.Lock()
	var victims []*Page
	for po, p := range self.pages {
		if po < start {
			continue
		}
		if end >= 0 && po+int64(self.PageSize()) > end {
			continue
		}
		p.refs.Add(1)
		victims = append(victims, p)
	}
	self.lock.Unlock()
	for _, p := range victims {
		p.Lock()
		p.WaitWriteback()
		if p.State() == PageDirty {
			p.CancelDirty()
		}
		if self.ReleasePage != nil && !self.ReleasePage(p) {
			log.Panicf("release vetoed for idle page @%v", p.Offset)
		}
		self.lock.Lock()
		delete(self.pages, p.Offset)
		self.lock.Unlock()
		mlog.Printf2("pagecache/mapping", "m.InvalidateRange dropped @%v", p.Offset)
		p.Unlock()
		p.Release()
	}
}

// MigratePage moves the page's content to a fresh backing buffer,
// carrying the flags and the private state along, and returns the
// new page. The old page is gone from the mapping afterwards. The
// page must not be dirty or under writeback.
func (self *Mapping) MigratePage(p *Page) *Page {
	p.Lock()
	defer p.Unlock()
	if st := p.State(); st != PageClean {
		log.Panicf("MigratePage in %v @%v", st, p.Offset)
	}
	np := newPage(self, p.Offset)
	copy(np.Data, p.Data)
	np.uptodate = p.IsUptodate()
	np.private = p.DetachPrivate()
	defer self.lock.Locked()()
	np.refs.Set(p.refs.Get())
	np.used = p.used
	self.pages[p.Offset] = np
	return np
}

// NrPages returns the number of cached pages.
func (self *Mapping) NrPages() int {
	defer self.lock.Locked()()
	return len(self.pages)
}

// trim evicts clean idle pages until the cache fits in CachePages.
// Best effort; busy pages stay.
func (self *Mapping) trim() {
	self.lock.Lock()
	excess := len(self.pages) - self.CachePages
	if excess <= 0 {
		self.lock.Unlock()
		return
	}
	cands := make([]*Page, 0, len(self.pages))
	for _, p := range self.pages {
		cands = append(cands, p)
	}
	self.lock.Unlock()
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].used.Before(cands[j].used)
	})
	for _, p := range cands {
		if excess <= 0 {
			return
		}
		if p.refs.Get() > 0 || p.State() != PageClean {
			continue
		}
		if !p.TryLock() {
			continue
		}
		ok := p.refs.Get() == 0 && p.State() == PageClean &&
			(self.ReleasePage == nil || self.ReleasePage(p))
		if ok {
			self.lock.Lock()
			delete(self.pages, p.Offset)
			self.lock.Unlock()
			excess--
			mlog.Printf2("pagecache/mapping", "m.trim evicted @%v", p.Offset)
		}
		p.Unlock()
	}
}

// SetError latches a writeback error, if one is not latched already.
func (self *Mapping) SetError(err error) {
	if err == nil {
		return
	}
	defer self.lock.Locked()()
	if self.err == nil {
		self.err = err
	}
}

// TakeError returns and clears the latched writeback error.
func (self *Mapping) TakeError() error {
	defer self.lock.Locked()()
	err := self.err
	self.err = nil
	return err
}
