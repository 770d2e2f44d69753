/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Apr  5 11:21:50 2019 mstenber
 * Last modified: Sat Apr 27 18:02:36 2019 mstenber
 * Edit time:     203 min
 *
 */

package pgio

import (
	"sort"
	"sync"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/pagecache"
	"github.com/fingon/go-pgio/util"
)

// WritebackMapper lets a mapper provide a dedicated mapping path for
// writeback. Without it, writeback maps through MapExtent with
// MapWrite.
type WritebackMapper interface {
	MapWriteback(ino uint64, offset, length int64) (Extent, error)
}

// IoendFinisher is told when an ioend's data is safely on the
// device, before the pages are finished. This is where unwritten
// extents become readable.
type IoendFinisher interface {
	FinishIoend(ino uint64, io *Ioend) error
}

// wbSpan is one page's contribution to an ioend, in bytes.
type wbSpan struct {
	p     *pagecache.Page
	info  *pageInfo
	count int64
}

// Ioend
//
// One contiguous run of blocks under writeback: contiguous in the
// file, contiguous on the device, all of one extent type. Completion
// walks its pages and ends their writeback once every byte they
// contributed is accounted for.
type Ioend struct {
	Type   ExtentType
	Offset int64
	Size   int64
	Addr   int64
	Error  error

	// Shared marks an ioend over copy-on-write blocks; it never
	// mixes with ordinary blocks, completion differs.
	Shared bool

	// next links ioends whose completion was merged; see
	// tryMergeIoends.
	next *Ioend

	spans []wbSpan
	batch *device.Batch
}

func (self *Ioend) End() int64 {
	return self.Offset + self.Size
}

// WritebackCtx
//
// State of one writeback pass: the cached extent mapping, the ioend
// being built, and the finished ones pending submission. Ioends are
// not submitted as they are built; they are collected, sorted by
// file offset, merged, and only then submitted, so completion work
// runs in file order no matter what order the dirty pages came in.
type WritebackCtx struct {
	ino *Inode

	ext      Extent
	extValid bool

	cur     *Ioend
	pending []*Ioend

	wg sync.WaitGroup
}

func (self *Inode) mapWriteback(pos, length int64) (Extent, error) {
	if wm, ok := self.Mapper.(WritebackMapper); ok {
		return wm.MapWriteback(self.Ino, pos, length)
	}
	ext, _, err := self.Mapper.MapExtent(self.Ino, pos, length, MapWrite)
	return ext, err
}

func (self *WritebackCtx) blockUptodate(info *pageInfo, off int64) bool {
	if info.uptodate == nil {
		// block == page; a dirty page is written whole
		return true
	}
	defer info.lock.Locked()()
	return info.uptodate.Test(int(off >> self.ino.BlockBits))
}

// closeCur moves the ioend under construction to the pending list.
func (self *WritebackCtx) closeCur() {
	if self.cur == nil {
		return
	}
	mlog.Printf2("pgio/writeback", "ioend built %v [%v,%v) @%v",
		self.cur.Type, self.cur.Offset, self.cur.End(), self.cur.Addr)
	self.pending = append(self.pending, self.cur)
	self.cur = nil
}

// canAdd tells if the block at pos/sector continues the current
// ioend.
func (self *WritebackCtx) canAdd(pos, sector int64) bool {
	io := self.cur
	if io == nil {
		return false
	}
	if self.ext.Type != io.Type {
		return false
	}
	if (self.ext.Flags&ExtentFlagShared != 0) != io.Shared {
		return false
	}
	if pos != io.End() {
		return false
	}
	return sector<<self.ino.BlockBits == io.Addr+io.Size
}

// addToIoend routes one block into the current ioend, opening a new
// one when the block does not continue it or the batch is full.
func (self *WritebackCtx) addToIoend(p *pagecache.Page, info *pageInfo, pos int64) {
	ino := self.ino
	bs := int64(ino.BlockSize())
	sector := ino.sectorOf(&self.ext, pos)
	poff := pos - p.Offset
	buf := p.Data[poff : poff+bs]

	if !self.canAdd(pos, sector) {
		self.closeCur()
	}
	shared := self.ext.Flags&ExtentFlagShared != 0
	if self.cur == nil {
		self.cur = &Ioend{Type: self.ext.Type, Shared: shared,
			Offset: pos,
			Addr:   sector << ino.BlockBits,
			batch:  ino.pool.Get(device.BatchWrite)}
	}
	if !self.cur.batch.TryAdd(sector, buf) {
		self.closeCur()
		self.cur = &Ioend{Type: self.ext.Type, Shared: shared,
			Offset: pos,
			Addr:   sector << ino.BlockBits,
			batch:  ino.pool.Get(device.BatchWrite)}
		if !self.cur.batch.TryAdd(sector, buf) {
			panic("fresh batch refused a sector")
		}
	}
	io := self.cur
	if n := len(io.spans); n > 0 && io.spans[n-1].p == p {
		io.spans[n-1].count += bs
	} else {
		io.spans = append(io.spans, wbSpan{p: p, info: info, count: bs})
	}
	io.Size += bs
	info.writesPending.Add(bs)
}

// writepageMap maps one dirty page's uptodate blocks into ioends.
// Pages at or beyond EOF are cancelled; a page straddling EOF gets
// its tail zeroed so stale bytes never reach the device. A mapping
// error poisons the pass but the blocks already mapped still go out:
// one bad extent does not lose the rest of the file.
func (self *WritebackCtx) writepageMap(p *pagecache.Page) error {
	ino := self.ino
	p.Lock()
	if p.State() != pagecache.PageDirty {
		// lost the race to another pass
		p.Unlock()
		p.Release()
		return nil
	}
	isize := ino.Size()
	ps := int64(ino.PageSize())
	if p.Offset >= isize {
		mlog.Printf2("pgio/writeback", "page @%v beyond EOF %v, cancelled", p.Offset, isize)
		p.CancelDirty()
		p.Unlock()
		p.Release()
		return nil
	}
	end := util.I64Min(p.Offset+ps, isize)
	if end < p.Offset+ps {
		zeroPageRange(p, end-p.Offset, p.Offset+ps-end)
	}
	info := ino.pageInfoCreate(p)
	if info.writesPending.Get() != 0 {
		panic("write pending on a dirty page")
	}

	bs := int64(ino.BlockSize())
	var added int64
	var mapErr error
	for pos := p.Offset; pos < end; pos += bs {
		if !self.blockUptodate(info, pos-p.Offset) {
			continue
		}
		if !self.extValid || !self.ext.contains(pos) {
			ext, err := ino.mapWriteback(pos, end-pos)
			if err != nil {
				mapErr = err
				break
			}
			self.ext = ext
			self.extValid = true
			if !ext.contains(pos) {
				mapErr = ErrInvalidExtent
				self.extValid = false
				break
			}
		}
		switch self.ext.Type {
		case ExtentHole:
			// nothing backing the block, nothing to write
		case ExtentInline:
			// goes out with the extent, not the device
			rel := pos - self.ext.Offset
			if rel < int64(len(self.ext.Inline)) {
				copy(self.ext.Inline[rel:], p.Data[pos-p.Offset:pos-p.Offset+bs])
			}
		default:
			self.addToIoend(p, info, pos)
			added += bs
		}
	}

	if mapErr != nil {
		ino.Cache.SetError(mapErr)
	}
	if added > 0 {
		p.StartWriteback()
		p.Unlock()
		// the page reference rides along in the spans
		return mapErr
	}
	p.CancelDirty()
	if mapErr != nil {
		// the dirty data is lost; it must not look valid either
		ino.clearPageUptodate(p, info)
	}
	p.Unlock()
	p.Release()
	return mapErr
}

// sortIoends orders the pending ioends by file offset. The sort is
// stable; ioends never overlap but determinism is still worth
// having.
func (self *WritebackCtx) sortIoends() {
	sort.SliceStable(self.pending, func(i, j int) bool {
		return self.pending[i].Offset < self.pending[j].Offset
	})
}

// tryMergeIoends chains ioends that are adjacent in the file and of
// the same type, so their completion work runs as one unit. The
// batches stay separate; merging is about completion, not I/O.
func (self *WritebackCtx) tryMergeIoends() {
	var heads []*Ioend
	var prev *Ioend
	var tail *Ioend
	for _, io := range self.pending {
		if prev != nil && prev.Type == io.Type &&
			prev.Shared == io.Shared && tail.End() == io.Offset {
			tail.next = io
			tail = io
			continue
		}
		heads = append(heads, io)
		prev = io
		tail = io
	}
	self.pending = heads
}

// submitPending sends every pending ioend chain to the device, in
// file offset order. When the last batch of a chain completes, the
// chain is finished inline or handed to the deferral hook.
func (self *WritebackCtx) submitPending() {
	self.sortIoends()
	self.tryMergeIoends()
	ino := self.ino
	for _, head := range self.pending {
		var n int64
		for io := head; io != nil; io = io.next {
			n++
		}
		remaining := new(util.AtomicInt)
		remaining.Set(n)
		for io := head; io != nil; io = io.next {
			io := io
			head := head
			self.wg.Add(1)
			io.batch.Done = func(err error) {
				io.Error = err
				if remaining.Add(-1) == 0 {
					if ino.CompleteIoend != nil {
						ino.CompleteIoend(head)
					} else {
						ino.FinishIoends(head)
					}
				}
				self.wg.Done()
			}
			mlog.Printf2("pgio/writeback", "submit ioend [%v,%v)", io.Offset, io.End())
			ino.Dev.Submit(io.batch)
		}
	}
	self.pending = nil
}

// finishPageWriteback accounts one span of completed writeback; the
// last byte out ends the page's writeback and drops the reference
// writepageMap left for us.
func (self *Inode) finishPageWriteback(s wbSpan) {
	n := s.info.writesPending.Add(-s.count)
	if n < 0 {
		panic("write pending underflow")
	}
	if n == 0 {
		s.p.EndWriteback()
		s.p.Release()
	}
}

// FinishIoends finishes a completed ioend chain: gives the mapper
// its FinishIoend say (unwritten conversion), latches any error on
// the mapping, and ends the writeback of every page involved. Called
// inline from completion unless CompleteIoend defers it.
func (self *Inode) FinishIoends(io *Ioend) {
	for ; io != nil; io = io.next {
		err := io.Error
		if err == nil {
			if f, ok := self.Mapper.(IoendFinisher); ok {
				err = f.FinishIoend(self.Ino, io)
			}
		}
		if err != nil {
			mlog.Printf2("pgio/writeback", "ioend [%v,%v) failed: %v",
				io.Offset, io.End(), err)
			self.Cache.SetError(err)
		}
		for _, s := range io.spans {
			self.finishPageWriteback(s)
		}
		self.pool.Put(io.batch)
	}
}

// WritePages writes the dirty pages intersecting [start, end) to the
// device; end < 0 means everything. It returns after the device has
// taken all the batches; completion side effects may still be
// pending if CompleteIoend defers them. The returned error covers
// mapping and interruption only; I/O errors land in the mapping's
// error latch.
func (self *Inode) WritePages(start, end int64) error {
	wc := WritebackCtx{ino: self}
	pages := self.Cache.CollectDirty(start, end)
	mlog.Printf2("pgio/writeback", "WritePages [%v,%v): %v dirty", start, end, len(pages))
	var firstErr error
	for i, p := range pages {
		if self.interrupted() {
			for _, q := range pages[i:] {
				q.Release()
			}
			firstErr = ErrInterrupted
			break
		}
		if err := wc.writepageMap(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	wc.closeCur()
	wc.submitPending()
	wc.wg.Wait()
	return firstErr
}

// Fsync writes all dirty pages, flushes the device, and reports any
// writeback error latched since the last call. With CompleteIoend
// set the caller must have finished the deferred ioends first.
func (self *Inode) Fsync() error {
	if err := self.WritePages(0, -1); err != nil {
		return err
	}
	if err := self.Dev.Flush(); err != nil {
		return err
	}
	return self.Cache.TakeError()
}
