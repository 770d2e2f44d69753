/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Apr  3 09:12:40 2019 mstenber
 * Last modified: Sat Apr 27 10:18:33 2019 mstenber
 * Edit time:     112 min
 *
 */

// pagecache provides the in-memory page cache the buffered I/O
// engines operate on: fixed-size pages keyed by file offset, with a
// per-page lock, an explicit lifecycle state, and an owner-attached
// private pointer for finer-grained bookkeeping.
package pagecache

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/util"
)

type PageState int

const (
	// PageClean pages match what is on the device (as far as the
	// cache knows; a non-uptodate page is also 'clean').
	PageClean PageState = iota

	// PageDirty pages carry modifications that have not been
	// written back yet.
	PageDirty

	// PageWriteback pages are being written to the device right
	// now. Their data must not change until writeback ends.
	PageWriteback
)

func (self PageState) String() string {
	switch self {
	case PageClean:
		return "PageClean"
	case PageDirty:
		return "PageDirty"
	case PageWriteback:
		return "PageWriteback"
	default:
		return fmt.Sprintf("%d", int(self))
	}
}

// Page
//
// One page worth of cached file data. The page lock serializes
// content access; the state machine is guarded separately so that
// writeback completion does not need the page lock.
//
// Legal state transitions:
//
//	Clean     -> Dirty      (MarkDirty)
//	Dirty     -> Dirty      (MarkDirty)
//	Dirty     -> Writeback  (StartWriteback; page must be locked)
//	Writeback -> Clean      (EndWriteback)
//	Dirty     -> Clean      (CancelDirty)
//
// Everything else panics; a bad transition is a programming error,
// not a runtime condition.
type Page struct {
	// Offset of the page in the file, in bytes. Immutable,
	// page-aligned.
	Offset int64

	// Data is exactly one page long.
	Data []byte

	mapping *Mapping

	lock util.MutexLocked

	flagLock util.MutexLocked
	cond     *sync.Cond

	state    PageState
	uptodate bool
	errored  bool

	private interface{}

	refs util.AtomicInt
	used time.Time
}

func newPage(m *Mapping, offset int64) *Page {
	self := &Page{Offset: offset,
		Data:    make([]byte, m.PageSize()),
		mapping: m}
	self.cond = sync.NewCond(&self.flagLock)
	return self
}

// Lock acquires the page lock.
func (self *Page) Lock() {
	self.lock.Lock()
}

// TryLock acquires the page lock if it is free.
func (self *Page) TryLock() bool {
	return self.lock.TryLock()
}

// Unlock releases the page lock. The holder need not be the locking
// goroutine; I/O completion unlocks pages locked by the submitter.
func (self *Page) Unlock() {
	self.lock.Unlock()
}

func (self *Page) AssertLocked() {
	self.lock.AssertLocked()
}

// State returns the current lifecycle state.
func (self *Page) State() PageState {
	defer self.flagLock.Locked()()
	return self.state
}

// IsUptodate tells if the whole page content is valid.
func (self *Page) IsUptodate() bool {
	defer self.flagLock.Locked()()
	return self.uptodate
}

// SetUptodate marks the whole page content valid.
func (self *Page) SetUptodate() {
	defer self.flagLock.Locked()()
	self.uptodate = true
}

// ClearUptodate marks the whole page content invalid again, e.g.
// after dirty data had to be thrown away.
func (self *Page) ClearUptodate() {
	defer self.flagLock.Locked()()
	self.uptodate = false
}

// IsErrored tells if the last read of the page failed.
func (self *Page) IsErrored() bool {
	defer self.flagLock.Locked()()
	return self.errored
}

// SetErrored records a failed read: the error flag goes up and the
// whole-page uptodate flag comes down, so the bad content is never
// served.
func (self *Page) SetErrored() {
	defer self.flagLock.Locked()()
	self.errored = true
	self.uptodate = false
}

// ClearErrored forgives the error; a fresh read attempt starts here.
func (self *Page) ClearErrored() {
	defer self.flagLock.Locked()()
	self.errored = false
}

// MarkDirty moves the page to Dirty. The page must not be under
// writeback; callers that may race with writeback go through
// Mapping.GetStablePage first. Note that a page can be dirty without
// being uptodate as a whole when only some of its blocks hold data.
func (self *Page) MarkDirty() {
	defer self.flagLock.Locked()()
	switch self.state {
	case PageClean, PageDirty:
		self.state = PageDirty
	default:
		log.Panicf("MarkDirty in %v @%v", self.state, self.Offset)
	}
}

// StartWriteback moves the page from Dirty to Writeback. Caller must
// hold the page lock.
func (self *Page) StartWriteback() {
	self.lock.AssertLocked()
	defer self.flagLock.Locked()()
	if self.state != PageDirty {
		log.Panicf("StartWriteback in %v @%v", self.state, self.Offset)
	}
	self.state = PageWriteback
}

// EndWriteback moves the page from Writeback back to Clean and wakes
// the waiters. Called by I/O completion, without the page lock.
func (self *Page) EndWriteback() {
	defer self.flagLock.Locked()()
	if self.state != PageWriteback {
		log.Panicf("EndWriteback in %v @%v", self.state, self.Offset)
	}
	self.state = PageClean
	self.cond.Broadcast()
}

// CancelDirty moves the page from Dirty back to Clean without
// writing anything. Used when the dirty data is discarded.
func (self *Page) CancelDirty() {
	defer self.flagLock.Locked()()
	if self.state != PageDirty {
		log.Panicf("CancelDirty in %v @%v", self.state, self.Offset)
	}
	self.state = PageClean
}

// WaitWriteback blocks until the page is not under writeback. Safe to
// call with the page lock held, as completion does not take it.
func (self *Page) WaitWriteback() {
	defer self.flagLock.Locked()()
	for self.state == PageWriteback {
		self.cond.Wait()
	}
}

// Private returns the owner-attached state, or nil.
func (self *Page) Private() interface{} {
	defer self.flagLock.Locked()()
	return self.private
}

// SetPrivate attaches owner state to the page. Only one owner at a
// time.
func (self *Page) SetPrivate(v interface{}) {
	defer self.flagLock.Locked()()
	if self.private != nil && v != nil {
		log.Panicf("SetPrivate on page @%v with private state", self.Offset)
	}
	self.private = v
}

// DetachPrivate removes and returns the owner-attached state.
func (self *Page) DetachPrivate() interface{} {
	defer self.flagLock.Locked()()
	v := self.private
	self.private = nil
	return v
}

// Release drops the caller's reference from Get*Page.
func (self *Page) Release() {
	if self.refs.Add(-1) < 0 {
		log.Panicf("Release of unreferenced page @%v", self.Offset)
	}
	mlog.Printf2("pagecache/page", "p.Release @%v refs:%v", self.Offset, self.refs.Get())
}
