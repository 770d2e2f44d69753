/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Apr  4 11:40:19 2019 mstenber
 * Last modified: Sat Apr 27 15:21:48 2019 mstenber
 * Edit time:     142 min
 *
 */

package pgio

import (
	"io"
	"sync"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/pagecache"
	"github.com/fingon/go-pgio/util"
)

// readSpan is one page's contribution to one read batch. off/count
// are page-relative bytes.
type readSpan struct {
	p      *pagecache.Page
	info   *pageInfo
	off    int64
	count  int64
	unlock bool
}

// readCtx accumulates device read batches across pages so that
// adjacent blocks of adjacent pages travel in one batch.
type readCtx struct {
	ino   *Inode
	cur   *device.Batch
	spans []readSpan

	wg      sync.WaitGroup
	errLock util.MutexLocked
	err     error
}

func (self *readCtx) setErr(err error) {
	defer self.errLock.Locked()()
	if self.err == nil {
		self.err = err
	}
}

func (self *readCtx) takeErr() error {
	defer self.errLock.Locked()()
	return self.err
}

// submit fires the current batch, if any. Its spans are finished by
// the completion callback on a device worker.
func (self *readCtx) submit() {
	if self.cur == nil {
		return
	}
	b := self.cur
	spans := self.spans
	self.cur = nil
	self.spans = nil
	ino := self.ino
	self.wg.Add(1)
	b.Done = func(err error) {
		if err != nil {
			self.setErr(err)
		}
		for _, s := range spans {
			ino.finishPageRead(s, err)
		}
		ino.pool.Put(b)
		self.wg.Done()
	}
	mlog.Printf2("pgio/read", "read submit @%v n:%v", b.Addr, len(b.Sectors))
	ino.Dev.Submit(b)
}

// readDone drops dec bytes off the page's pending read count. When
// it hits zero the page is done: async readers unlock and drop it
// here.
func (self *Inode) readDone(p *pagecache.Page, info *pageInfo, dec int64, unlock bool) {
	n := info.readsPending.Add(-dec)
	if n < 0 {
		panic("read pending underflow")
	}
	if n == 0 && unlock {
		p.Unlock()
		p.Release()
	}
}

// finishPageRead accounts one span's worth of read completion. A
// failed read puts the page's error flag up; the uptodate marking of
// any luckier sibling span is a no-op from then on.
func (self *Inode) finishPageRead(s readSpan, err error) {
	if err != nil {
		s.p.SetErrored()
	} else if s.count > 0 {
		self.setRangeUptodate(s.p, s.info, s.off, s.count)
	}
	self.readDone(s.p, s.info, s.count, s.unlock)
}

// readActor handles one extent's worth of one page. Holes, unwritten
// extents and inline data complete immediately; mapped blocks join
// the batch. Returns bytes consumed.
func (self *readCtx) readActor(p *pagecache.Page, info *pageInfo, unlock bool, ext *Extent, pos, count int64) (int64, error) {
	ino := self.ino
	off, n := ino.adjustReadRange(p, info, pos, count)
	if n == 0 {
		return count, nil
	}
	mlog.Printf2("pgio/read", "readActor @%v +%v %v", p.Offset+off, n, ext)

	switch ext.Type {
	case ExtentHole, ExtentUnwritten:
		zeroPageRange(p, off, n)
		ino.setRangeUptodate(p, info, off, n)

	case ExtentInline:
		abs := p.Offset + off
		copied := int64(0)
		if rel := abs - ext.Offset; rel < int64(len(ext.Inline)) {
			copied = int64(copy(p.Data[off:off+n], ext.Inline[rel:]))
		}
		zeroPageRange(p, off+copied, n-copied)
		ino.setRangeUptodate(p, info, off, n)

	case ExtentMapped:
		bs := int64(ino.BlockSize())
		// pending goes up before anything can complete
		info.readsPending.Add(n)
		spanStart := off
		for b := off; b < off+n; b += bs {
			sector := ino.sectorOf(ext, p.Offset+b)
			buf := p.Data[b : b+bs]
			if self.cur != nil && self.cur.TryAdd(sector, buf) {
				continue
			}
			if b > spanStart {
				self.spans = append(self.spans,
					readSpan{p, info, spanStart, b - spanStart, unlock})
				spanStart = b
			}
			self.submit()
			self.cur = ino.pool.Get(device.BatchRead)
			if !self.cur.TryAdd(sector, buf) {
				panic("fresh batch refused a sector")
			}
		}
		self.spans = append(self.spans,
			readSpan{p, info, spanStart, off + n - spanStart, unlock})
	}
	return count, nil
}

// readPage queues the I/O to bring one locked page uptodate. The
// pending count carries a +1 hold until all of the page's spans are
// queued, so a fast completion cannot finish the page half-built.
func (self *readCtx) readPage(p *pagecache.Page, unlock bool) error {
	ino := self.ino
	info := ino.pageInfoCreate(p)
	// a fresh attempt absolves an earlier failure
	p.ClearErrored()
	info.readsPending.Add(1)
	_, err := ino.apply(p.Offset, int64(ino.PageSize()), 0,
		func(ext, src *Extent, pos, count int64) (int64, error) {
			return self.readActor(p, info, unlock, ext, pos, count)
		})
	ino.readDone(p, info, 1, unlock)
	return err
}

// ReadPage brings one page fully uptodate, synchronously. The caller
// holds the page lock and keeps it.
func (self *Inode) ReadPage(p *pagecache.Page) error {
	p.AssertLocked()
	ctx := readCtx{ino: self}
	err := ctx.readPage(p, false)
	ctx.submit()
	ctx.wg.Wait()
	if err == nil {
		err = ctx.takeErr()
	}
	return err
}

// ReadAhead starts bringing [offset, offset+length) into the cache
// without waiting for the I/O. Errors are ignored; a page that fails
// to read just stays non-uptodate and a later ReadAt retries it.
func (self *Inode) ReadAhead(offset, length int64) {
	ctx := readCtx{ino: self}
	ps := int64(self.PageSize())
	end := offset + length
	for pos := self.Cache.PageOffset(offset); pos < end; pos += ps {
		if pos >= self.Size() {
			break
		}
		p := self.Cache.GetPage(pos, true)
		if p.IsUptodate() {
			p.Unlock()
			p.Release()
			continue
		}
		mlog.Printf2("pgio/read", "readahead @%v", pos)
		// the page stays locked and referenced until its I/O
		// is done; completion drops both
		ctx.readPage(p, true)
	}
	ctx.submit()
}

// ReadAt reads into buf starting at offset, going through the page
// cache. Returns io.EOF along with the bytes read when the file ends
// short of the buffer.
func (self *Inode) ReadAt(buf []byte, offset int64) (int, error) {
	size := self.Size()
	if offset >= size {
		return 0, io.EOF
	}
	n := int64(len(buf))
	short := false
	if offset+n > size {
		n = size - offset
		short = true
	}
	ps := int64(self.PageSize())
	var copied int64
	for copied < n {
		if self.interrupted() {
			return int(copied), ErrInterrupted
		}
		pos := offset + copied
		p := self.Cache.GetPage(pos, true)
		poff := pos - p.Offset
		c := util.I64Min(n-copied, ps-poff)
		if !self.IsRangeUptodate(p, poff, c) {
			if err := self.ReadPage(p); err != nil {
				p.Unlock()
				p.Release()
				return int(copied), err
			}
		}
		copy(buf[copied:copied+c], p.Data[poff:poff+c])
		p.Unlock()
		p.Release()
		copied += c
	}
	if short {
		return int(copied), io.EOF
	}
	return int(copied), nil
}
