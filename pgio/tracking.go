/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Apr  4 10:31:17 2019 mstenber
 * Last modified: Sat Apr 27 13:40:55 2019 mstenber
 * Edit time:     49 min
 *
 */

package pgio

import (
	"log"

	"github.com/fingon/go-pgio/pagecache"
	"github.com/fingon/go-pgio/util"
)

// pageInfo
//
// Per-page engine state, attached as the page's private pointer: the
// per-block uptodate bitmap and the bytes of read/write I/O still in
// flight against the page. The bitmap is what lets a 4k-block file
// live in a 64k-page cache without reading whole pages to write a
// little; with one block per page it is nil and the page's own
// uptodate flag is the whole truth.
type pageInfo struct {
	lock     util.MutexLocked
	uptodate *util.Bitset

	readsPending  util.AtomicInt
	writesPending util.AtomicInt
}

// pageInfoCreate returns the page's pageInfo, attaching a fresh one
// if there is none. Caller holds the page lock.
func (self *Inode) pageInfoCreate(p *pagecache.Page) *pageInfo {
	info, _ := p.Private().(*pageInfo)
	if info != nil {
		return info
	}
	info = &pageInfo{}
	if self.blocksPerPage() > 1 {
		info.uptodate = util.NewBitset(self.blocksPerPage())
		if p.IsUptodate() {
			info.uptodate.Fill()
		}
	}
	p.SetPrivate(info)
	return info
}

func (self *Inode) pageInfo(p *pagecache.Page) *pageInfo {
	info, _ := p.Private().(*pageInfo)
	return info
}

// setRangeUptodate records [off, off+count) within the page as
// valid; off/count need not be block aligned, but only whole valid
// blocks count. When the whole page becomes valid the page flag
// takes over.
func (self *Inode) setRangeUptodate(p *pagecache.Page, info *pageInfo, off, count int64) {
	if count <= 0 {
		return
	}
	if p.IsErrored() {
		// nothing on an errored page is trustworthy
		return
	}
	first := int(off >> self.BlockBits)
	last := int((off + count - 1) >> self.BlockBits)
	if last >= self.blocksPerPage() {
		log.Panicf("setRangeUptodate past page: off %v count %v", off, count)
	}
	if info.uptodate == nil {
		p.SetUptodate()
		return
	}
	info.lock.Lock()
	info.uptodate.SetRange(first, last)
	full := info.uptodate.Full()
	info.lock.Unlock()
	if full {
		p.SetUptodate()
	}
}

// clearPageUptodate invalidates the page as a whole, flag and
// per-block state both.
func (self *Inode) clearPageUptodate(p *pagecache.Page, info *pageInfo) {
	if info != nil && info.uptodate != nil {
		info.lock.Lock()
		info.uptodate.Reset()
		info.lock.Unlock()
	}
	p.ClearUptodate()
}

// zeroPageRange zeroes [off, off+count) of the page data.
func zeroPageRange(p *pagecache.Page, off, count int64) {
	for i := off; i < off+count; i++ {
		p.Data[i] = 0
	}
}
