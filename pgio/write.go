/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Created:       Fri Apr  5 08:50:33 2019 mstenber
 * Last modified: Sat Apr 27 16:42:19 2019 mstenber
 * Edit time:     187 min
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 */

package pgio

import (
	"io"

	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/pagecache"
	"github.com/fingon/go-pgio/util"
)

// readPageRange synchronously reads one sub-range of a page from its
// extent. Used by writeBegin to fill in the edges around a partial
// write.
func (self *Inode) readPageRange(p *pagecache.Page, info *pageInfo, src *Extent, pos, count int64) error {
	ctx := readCtx{ino: self}
	_, err := ctx.readActor(p, info, false, src, pos, count)
	ctx.submit()
	ctx.wg.Wait()
	if err == nil {
		err = ctx.takeErr()
	}
	return err
}

// writeBeginFill makes the blocks touched by a write of
// [pos, pos+length) consistent before the copy. Blocks fully covered
// by the write are skipped: they are about to be overwritten anyway.
// Partial edge blocks are zeroed if their backing needs no read
// (hole, unwritten, freshly allocated), read otherwise. Unshare
// always reads; it exists to copy data, not to skip it.
func (self *Inode) writeBeginFill(p *pagecache.Page, pos, length int64, flags MapFlags, ext, src *Extent) error {
	info := self.pageInfoCreate(p)
	if p.IsUptodate() {
		return nil
	}
	bs := int64(self.BlockSize())
	blockStart := self.blockAligned(pos)
	blockEnd := (pos + length + bs - 1) &^ (bs - 1)
	from := pos - p.Offset
	to := from + length

	for blockStart < blockEnd {
		off, count := self.adjustReadRange(p, info, blockStart, blockEnd-blockStart)
		if count == 0 {
			break
		}
		if flags&MapUnshare == 0 &&
			(from <= off || from >= off+count) &&
			(to <= off || to >= off+count) {
			// fully overwritten below, no point in filling
			blockStart = p.Offset + off + count
			continue
		}
		if src.Type != ExtentMapped || src.Flags&ExtentFlagNew != 0 ||
			p.Offset+off >= self.Size() {
			if flags&MapUnshare != 0 {
				return ErrInvalidExtent
			}
			// zero only around the write, not under it
			if from > off {
				zeroPageRange(p, off, util.I64Min(from, off+count)-off)
			}
			if to < off+count {
				zs := util.I64Max(to, off)
				zeroPageRange(p, zs, off+count-zs)
			}
		} else {
			err := self.readPageRange(p, info, src, p.Offset+off, count)
			if err != nil {
				return err
			}
		}
		self.setRangeUptodate(p, info, off, count)
		blockStart = p.Offset + off + count
	}
	return nil
}

// writeBegin locks the page for a write of [pos, pos+length) and
// prepares its content. Returns the page locked and referenced; the
// matching writeEnd releases it.
func (self *Inode) writeBegin(pos, length int64, flags MapFlags, ext, src *Extent) (*pagecache.Page, error) {
	p := self.Cache.GetStablePage(pos)
	var err error
	if ext.Type == ExtentInline {
		err = self.fillInlinePage(p, ext)
	} else {
		err = self.writeBeginFill(p, pos, length, flags, ext, src)
	}
	if err != nil {
		p.Unlock()
		p.Release()
		self.writeFailed(pos, length)
		return nil, err
	}
	return p, nil
}

// writeFailed drops the pages a failed or discarded write conjured
// up past end-of-file; they hold speculative content nothing will
// ever commit.
func (self *Inode) writeFailed(pos, length int64) {
	size := self.Size()
	if pos+length <= size {
		return
	}
	ps := int64(self.PageSize())
	start := self.Cache.PageOffset(util.I64Max(pos, size) + ps - 1)
	end := self.Cache.PageOffset(pos + length + ps - 1)
	if start >= end {
		return
	}
	mlog.Printf2("pgio/write", "writeFailed dropping [%v,%v)", start, end)
	self.Cache.InvalidateRange(start, end)
}

// fillInlinePage brings a page of an inline file uptodate from the
// extent's own data.
func (self *Inode) fillInlinePage(p *pagecache.Page, ext *Extent) error {
	info := self.pageInfoCreate(p)
	if p.IsUptodate() {
		return nil
	}
	n := int64(0)
	if rel := p.Offset - ext.Offset; rel < int64(len(ext.Inline)) {
		n = int64(copy(p.Data, ext.Inline[rel:]))
	}
	zeroPageRange(p, n, int64(self.PageSize())-n)
	self.setRangeUptodate(p, info, 0, int64(self.PageSize()))
	return nil
}

// writeEnd commits [pos, pos+copied) of the locked page after the
// data has been copied in. A short copy into a page that is not
// uptodate is discarded whole: the missing part of the page holds
// garbage, and garbage must never become readable.
func (self *Inode) writeEnd(p *pagecache.Page, pos, length, copied int64, ext *Extent) int64 {
	info := self.pageInfo(p)
	poff := pos - p.Offset
	var ret int64
	if ext.Type == ExtentInline {
		// the extent carries the authoritative copy
		ret = int64(copy(ext.Inline[pos-ext.Offset:], p.Data[poff:poff+copied]))
		self.setRangeUptodate(p, info, poff, ret)
	} else if copied < length && !p.IsUptodate() {
		mlog.Printf2("pgio/write", "short write @%v discarded (%v < %v)",
			pos, copied, length)
		ret = 0
	} else {
		self.setRangeUptodate(p, info, poff, copied)
		p.MarkDirty()
		ret = copied
	}
	if pos+ret > self.Size() {
		self.SetSize(pos + ret)
		ext.Flags |= ExtentFlagSizeChanged
	}
	p.Unlock()
	p.Release()
	return ret
}

// writeActor copies src into the pages covering one extent's worth
// of the write.
func (self *Inode) writeActor(src []byte, ext, srcExt *Extent, pos, count int64) (int64, error) {
	ps := int64(self.PageSize())
	var done int64
	for done < count {
		cpos := pos + done
		poff := cpos - self.Cache.PageOffset(cpos)
		chunk := util.I64Min(count-done, ps-poff)
		p, err := self.writeBegin(cpos, chunk, 0, ext, srcExt)
		if err != nil {
			return done, err
		}
		copied := int64(copy(p.Data[poff:poff+chunk], src[done:done+chunk]))
		ret := self.writeEnd(p, cpos, chunk, copied, ext)
		if ret == 0 {
			self.writeFailed(cpos, chunk)
			return done, nil
		}
		done += ret
	}
	return done, nil
}

// Write writes buf at offset through the page cache, extending the
// file as needed. The data is dirty in cache afterwards, not on the
// device; writeback moves it there.
func (self *Inode) Write(buf []byte, offset int64) (int, error) {
	length := int64(len(buf))
	var done int64
	for done < length {
		if self.interrupted() {
			return int(done), ErrInterrupted
		}
		n, err := self.apply(offset+done, length-done, MapWrite,
			func(ext, src *Extent, pos, count int64) (int64, error) {
				return self.writeActor(buf[pos-offset:pos-offset+count], ext, src, pos, count)
			})
		done += n
		if err != nil {
			return int(done), err
		}
		if n == 0 {
			break
		}
	}
	return int(done), nil
}

// WriteFrom copies everything from r into the file at offset.
// Returns the number of bytes written.
func (self *Inode) WriteFrom(r io.Reader, offset int64) (int64, error) {
	// stage through a page-sized buffer; the page lock is never
	// held while the source may block
	buf := make([]byte, self.PageSize())
	var done int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			w, werr := self.Write(buf[:n], offset+done)
			done += int64(w)
			if werr != nil {
				return done, werr
			}
		}
		if rerr == io.EOF {
			return done, nil
		}
		if rerr != nil {
			return done, rerr
		}
	}
}

// ZeroRange zeroes [pos, pos+length) in the file. Holes and
// unwritten extents already read as zeroes and are left untouched.
func (self *Inode) ZeroRange(pos, length int64) error {
	for length > 0 {
		if self.interrupted() {
			return ErrInterrupted
		}
		n, err := self.apply(pos, length, MapZero,
			func(ext, src *Extent, pos, count int64) (int64, error) {
				if src.Type == ExtentHole || src.Type == ExtentUnwritten {
					return count, nil
				}
				return self.zeroActor(ext, src, pos, count)
			})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInvalidExtent
		}
		pos += n
		length -= n
	}
	return nil
}

func (self *Inode) zeroActor(ext, srcExt *Extent, pos, count int64) (int64, error) {
	ps := int64(self.PageSize())
	var done int64
	for done < count {
		cpos := pos + done
		poff := cpos - self.Cache.PageOffset(cpos)
		chunk := util.I64Min(count-done, ps-poff)
		p, err := self.writeBegin(cpos, chunk, 0, ext, srcExt)
		if err != nil {
			return done, err
		}
		zeroPageRange(p, poff, chunk)
		ret := self.writeEnd(p, cpos, chunk, chunk, ext)
		if ret == 0 {
			return done, ErrInvalidExtent
		}
		done += ret
	}
	return done, nil
}

// TruncatePage zeroes the cached tail of the page containing pos,
// from pos to the end of the page. Truncation calls this so that a
// later size extension does not resurrect stale bytes.
func (self *Inode) TruncatePage(pos int64) error {
	ps := int64(self.PageSize())
	off := pos & (ps - 1)
	if off == 0 {
		return nil
	}
	return self.ZeroRange(pos, ps-off)
}

// Unshare breaks the sharing of [pos, pos+length): every shared
// mapped block is copied to a fresh one and the copies are left
// dirty in cache for writeback. Holes and unwritten extents have no
// data to share.
func (self *Inode) Unshare(pos, length int64) error {
	for length > 0 {
		if self.interrupted() {
			return ErrInterrupted
		}
		n, err := self.apply(pos, length, MapWrite|MapUnshare,
			func(ext, src *Extent, pos, count int64) (int64, error) {
				if ext.Flags&ExtentFlagShared == 0 {
					return count, nil
				}
				if src.Type == ExtentHole || src.Type == ExtentUnwritten {
					return count, nil
				}
				return self.unshareActor(ext, src, pos, count)
			})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInvalidExtent
		}
		pos += n
		length -= n
	}
	return nil
}

func (self *Inode) unshareActor(ext, srcExt *Extent, pos, count int64) (int64, error) {
	ps := int64(self.PageSize())
	var done int64
	for done < count {
		cpos := pos + done
		poff := cpos - self.Cache.PageOffset(cpos)
		chunk := util.I64Min(count-done, ps-poff)
		p, err := self.writeBegin(cpos, chunk, MapUnshare, ext, srcExt)
		if err != nil {
			return done, err
		}
		ret := self.writeEnd(p, cpos, chunk, chunk, ext)
		if ret == 0 {
			return done, ErrInvalidExtent
		}
		done += ret
	}
	return done, nil
}

// PageMkwrite prepares the page at pos for direct modification, the
// way a memory-writable mapping would: the page is read in full,
// given its block tracking, and marked dirty so writeback knows
// about whatever the caller scribbles on it.
func (self *Inode) PageMkwrite(pos int64) error {
	p := self.Cache.GetStablePage(pos)
	defer p.Release()
	defer p.Unlock()
	size := self.Size()
	if p.Offset >= size {
		return io.EOF
	}
	length := util.I64Min(int64(self.PageSize()), size-p.Offset)
	_, err := self.apply(p.Offset, length, MapWrite|MapFault,
		func(ext, src *Extent, pos, count int64) (int64, error) {
			if !self.IsRangeUptodate(p, pos-p.Offset, count) {
				if err := self.ReadPage(p); err != nil {
					return 0, err
				}
			}
			self.pageInfoCreate(p)
			return count, nil
		})
	if err != nil {
		return err
	}
	p.MarkDirty()
	return nil
}
