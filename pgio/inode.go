/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Apr  4 09:44:02 2019 mstenber
 * Last modified: Sat Apr 27 13:10:28 2019 mstenber
 * Edit time:     88 min
 *
 */

// pgio implements buffered file I/O on top of the page cache and a
// sector device: cached reads with readahead, write-begin/write-end
// buffered writes, zeroing and unsharing, and batched asynchronous
// writeback with per-block granularity when the device block size is
// smaller than the page size.
package pgio

import (
	"log"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/pagecache"
	"github.com/fingon/go-pgio/util"
)

// Inode
//
// One open file from the I/O engine's point of view: a page cache
// mapping, a mapper that knows where the bytes live, and the device
// they live on.
type Inode struct {
	// Ino identifies the file to the Mapper.
	Ino uint64

	Mapper Mapper
	Dev    *device.Device
	Cache  *pagecache.Mapping

	// BlockBits is log2 of the device block size. At most the
	// cache's PageBits; when smaller, uptodate state is tracked
	// per block within each page.
	BlockBits uint

	// Interrupted, if set, is polled inside long loops; returning
	// true aborts the operation with ErrInterrupted.
	Interrupted func() bool

	// CompleteIoend, if set, receives completed ioend chains
	// instead of them being finished inline on the device worker.
	// The receiver must eventually call FinishIoends on each.
	CompleteIoend func(io *Ioend)

	pool *device.BatchPool
	size util.AtomicInt
}

func (self Inode) Init() *Inode {
	if self.Cache == nil {
		self.Cache = pagecache.Mapping{}.Init()
	}
	if self.BlockBits == 0 {
		self.BlockBits = self.Cache.PageBits
	}
	if self.BlockBits > self.Cache.PageBits {
		log.Panicf("block size %d exceeds page size %d",
			1<<self.BlockBits, self.Cache.PageSize())
	}
	if self.Mapper == nil {
		log.Panic("Inode without Mapper")
	}
	self.pool = device.NewBatchPool(16)
	r := &self
	r.Cache.ReleasePage = r.releasePage
	if sz, ok := r.Mapper.(Sizer); ok {
		r.size.Set(sz.Size(r.Ino))
	}
	return r
}

// Sizer is implemented by mappers that track file size; Init loads
// the initial size from it.
type Sizer interface {
	Size(ino uint64) int64
}

func (self *Inode) Size() int64 {
	return self.size.Get()
}

// SetSize sets the in-core file size. Persisting it is the mapper's
// business (see MapperEnd).
func (self *Inode) SetSize(size int64) {
	self.size.Set(size)
}

func (self *Inode) BlockSize() int {
	return 1 << self.BlockBits
}

func (self *Inode) PageSize() int {
	return self.Cache.PageSize()
}

func (self *Inode) blocksPerPage() int {
	return self.PageSize() >> self.BlockBits
}

// blockAligned rounds down to a block boundary.
func (self *Inode) blockAligned(pos int64) int64 {
	return pos &^ (int64(self.BlockSize()) - 1)
}

func (self *Inode) interrupted() bool {
	return self.Interrupted != nil && self.Interrupted()
}

// sectorOf converts a file position within ext to the device sector
// holding it.
func (self *Inode) sectorOf(ext *Extent, pos int64) int64 {
	return (ext.Addr + (pos - ext.Offset)) >> self.BlockBits
}

// releasePage is the page cache's eviction gate: a page with I/O in
// flight must stay. On release the per-block state goes with it.
func (self *Inode) releasePage(p *pagecache.Page) bool {
	info, _ := p.Private().(*pageInfo)
	if info == nil {
		return true
	}
	if info.readsPending.Get() != 0 || info.writesPending.Get() != 0 {
		mlog.Printf2("pgio/inode", "releasePage @%v refused, I/O pending", p.Offset)
		return false
	}
	p.DetachPrivate()
	return true
}

// IsRangeUptodate tells if every block intersecting [from, from+count)
// within the page holds valid data. With per-block tracking a page
// can be readable in the middle without being uptodate as a whole.
func (self *Inode) IsRangeUptodate(p *pagecache.Page, from, count int64) bool {
	if p.IsUptodate() {
		return true
	}
	info, _ := p.Private().(*pageInfo)
	if info == nil || info.uptodate == nil {
		return false
	}
	if count <= 0 {
		return true
	}
	first := int(from >> self.BlockBits)
	last := int((from + count - 1) >> self.BlockBits)
	defer info.lock.Locked()()
	return info.uptodate.TestRange(first, last)
}

// Truncate sets the file size. Shrinking zeroes the tail of the last
// remaining block and drops the cached pages past the new end, dirty
// or not.
func (self *Inode) Truncate(size int64) error {
	old := self.Size()
	mlog.Printf2("pgio/inode", "ino %v Truncate %v -> %v", self.Ino, old, size)
	if size < old {
		if err := self.TruncatePage(size); err != nil {
			return err
		}
		self.SetSize(size)
		self.Cache.InvalidateRange(self.Cache.PageOffset(size+int64(self.PageSize())-1), -1)
	} else {
		self.SetSize(size)
	}
	if tr, ok := self.Mapper.(Truncater); ok {
		return tr.Truncate(self.Ino, size)
	}
	return nil
}
