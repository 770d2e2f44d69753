/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Apr  6 09:15:02 2019 mstenber
 * Last modified: Sun Apr 28 11:40:17 2019 mstenber
 * Edit time:     214 min
 *
 */

// extmap is an in-core extent mapper for the I/O engines: a sorted
// extent list per file, a bump allocator for device blocks, inline
// storage for tiny files, and copy-on-write cloning. Writes allocate
// unwritten extents; writeback completion converts them to mapped
// once the data is actually on the device, so a crash in between
// exposes zeroes, never stale blocks.
//
// The map serializes its own metadata, but it assumes what the
// engines assume: one file is not unshared and read concurrently.
package extmap

import (
	"sort"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/pgio"
	"github.com/fingon/go-pgio/util"
)

const DefaultInlineMax = 512

type extent struct {
	off    int64
	length int64
	addr   int64
	typ    pgio.ExtentType
	flags  pgio.ExtentFlags
	inline []byte
}

func (self *extent) end() int64 {
	return self.off + self.length
}

type file struct {
	// sorted by off, non-overlapping, no explicit holes
	extents []extent
	size    int64
}

// Map
//
// The extent mapper. Implements pgio.Mapper, MapperEnd, Truncater
// and IoendFinisher.
type Map struct {
	// BlockBits is log2 of the device block size; must match the
	// inodes using this map.
	BlockBits uint

	// Capacity bounds allocation, in bytes. 0 is unbounded.
	Capacity int64

	// InlineMax is the largest file kept inline in its extent.
	// 0 disables inline files.
	InlineMax int

	// Dev is used to spill inline data to its block when a file
	// outgrows InlineMax.
	Dev *device.Device

	lock  util.MutexLocked
	files map[uint64]*file
	next  int64
}

var _ pgio.Mapper = &Map{}
var _ pgio.MapperEnd = &Map{}
var _ pgio.Truncater = &Map{}
var _ pgio.IoendFinisher = &Map{}

func (self Map) Init() *Map {
	if self.BlockBits == 0 {
		self.BlockBits = 12
	}
	self.files = make(map[uint64]*file)
	return &self
}

func (self *Map) blockSize() int64 {
	return 1 << self.BlockBits
}

func (self *Map) blockUp(n int64) int64 {
	return (n + self.blockSize() - 1) &^ (self.blockSize() - 1)
}

func (self *Map) blockDown(n int64) int64 {
	return n &^ (self.blockSize() - 1)
}

func (self *Map) file(ino uint64) *file {
	f := self.files[ino]
	if f == nil {
		f = &file{}
		self.files[ino] = f
	}
	return f
}

// alloc grabs length bytes of device space.
func (self *Map) alloc(length int64) (int64, error) {
	if self.Capacity > 0 && self.next+length > self.Capacity {
		return 0, pgio.ErrNoSpace
	}
	addr := self.next
	self.next += length
	mlog.Printf2("extmap/extmap", "alloc %v @%v", length, addr)
	return addr, nil
}

// find returns the index of the first extent ending after offset.
func (self *file) find(offset int64) int {
	return sort.Search(len(self.extents), func(i int) bool {
		return self.extents[i].end() > offset
	})
}

// insert adds e at its sorted position. e must not overlap anything.
func (self *file) insert(e extent) {
	i := self.find(e.off)
	self.extents = append(self.extents, extent{})
	copy(self.extents[i+1:], self.extents[i:])
	self.extents[i] = e
}

// splitAt cuts the extent straddling pos in two, so pos becomes an
// extent boundary. Inline extents are never split.
func (self *file) splitAt(pos int64) {
	i := self.find(pos)
	if i >= len(self.extents) {
		return
	}
	e := &self.extents[i]
	if e.off >= pos || e.typ == pgio.ExtentInline {
		return
	}
	head := *e
	head.length = pos - e.off
	e.off = pos
	e.length -= head.length
	if e.typ != pgio.ExtentHole {
		e.addr += head.length
	}
	self.extents = append(self.extents, extent{})
	copy(self.extents[i+1:], self.extents[i:])
	self.extents[i] = head
}

func (self *extent) toExtent() pgio.Extent {
	return pgio.Extent{Type: self.typ, Flags: self.flags,
		Offset: self.off, Length: self.length,
		Addr: self.addr, Inline: self.inline}
}

func hole(offset, length int64) pgio.Extent {
	return pgio.Extent{Type: pgio.ExtentHole, Offset: offset, Length: length}
}

// MapExtent implements pgio.Mapper.
func (self *Map) MapExtent(ino uint64, offset, length int64, flags pgio.MapFlags) (ext, src pgio.Extent, err error) {
	defer self.lock.Locked()()
	f := self.file(ino)
	mlog.Printf2("extmap/extmap", "MapExtent ino %v [%v,%v) %v", ino, offset, offset+length, flags)

	// a write reaching past the inline limit first spills the
	// inline data to a real block, so block-rounded allocation
	// below never collides with it
	if flags&pgio.MapWrite != 0 && len(f.extents) > 0 &&
		f.extents[0].typ == pgio.ExtentInline &&
		offset+length > int64(self.InlineMax) {
		if err = self.spillInline(ino, f, 0); err != nil {
			return
		}
	}

	i := f.find(offset)
	var e *extent
	if i < len(f.extents) && f.extents[i].off <= offset {
		e = &f.extents[i]
	}

	if e == nil {
		// hole; does it run to the next extent or past the request?
		gap := length
		if i < len(f.extents) && f.extents[i].off < offset+length {
			gap = f.extents[i].off - offset
		}
		if flags&pgio.MapWrite == 0 || flags&pgio.MapZero != 0 {
			ext = hole(offset, gap)
			return
		}
		// appending at the exact end of an inline file lands here,
		// since the inline extent ends at, not after, the offset;
		// the spill guard above already bounded offset+length
		if len(f.extents) > 0 && f.extents[0].typ == pgio.ExtentInline {
			return self.mapInline(ino, f, 0, offset, length, flags)
		}
		// a new small file starts out inline
		if len(f.extents) == 0 && offset == 0 && self.InlineMax > 0 &&
			length <= int64(self.InlineMax) {
			ne := extent{off: 0, length: length,
				typ: pgio.ExtentInline, inline: make([]byte, length)}
			f.insert(ne)
			ext = ne.toExtent()
			return
		}
		return self.mapHoleWrite(f, offset, gap)
	}

	if e.typ == pgio.ExtentInline {
		return self.mapInline(ino, f, i, offset, length, flags)
	}

	// zeroing shared blocks must copy too; the clone sibling keeps
	// the old data
	if flags&(pgio.MapWrite|pgio.MapZero) != 0 &&
		e.flags&pgio.ExtentFlagShared != 0 {
		return self.mapSharedWrite(f, offset, length)
	}

	ext = e.toExtent()
	return
}

// mapHoleWrite allocates an unwritten extent for a write into a
// hole. The blocks are undefined until writeback converts them, so
// nothing is exposed if the write never makes it.
func (self *Map) mapHoleWrite(f *file, offset, gap int64) (ext, src pgio.Extent, err error) {
	start := self.blockDown(offset)
	end := self.blockUp(offset + gap)
	addr, err := self.alloc(end - start)
	if err != nil {
		return
	}
	// every extent is block aligned, so the rounded range cannot
	// clip a neighbour
	ne := extent{off: start, length: end - start, addr: addr,
		typ: pgio.ExtentUnwritten, flags: pgio.ExtentFlagNew}
	f.insert(ne)
	ext = ne.toExtent()
	return
}

// mapSharedWrite carves out the shared piece under the write and
// replaces it with fresh unwritten blocks; the old blocks become the
// source the engine copies from.
func (self *Map) mapSharedWrite(f *file, offset, length int64) (ext, src pgio.Extent, err error) {
	start := self.blockDown(offset)
	end := self.blockUp(offset + length)
	f.splitAt(start)
	i := f.find(start)
	e := &f.extents[i]
	if e.end() > end {
		f.splitAt(end)
		e = &f.extents[i]
	}
	old := *e
	addr, err := self.alloc(e.length)
	if err != nil {
		return
	}
	e.addr = addr
	e.typ = pgio.ExtentUnwritten
	e.flags = pgio.ExtentFlagNew
	ext = e.toExtent()
	// the shared bit on the returned extent tells the engine this
	// was a copy; the stored extent is private now
	ext.Flags |= pgio.ExtentFlagShared
	src = old.toExtent()
	src.Flags &^= pgio.ExtentFlagNew
	mlog.Printf2("extmap/extmap", "COW [%v,%v) %v -> %v", e.off, e.end(), old.addr, addr)
	return
}

// mapInline serves and grows inline files. Writes past the inline
// limit never get here; MapExtent spills those up front.
func (self *Map) mapInline(ino uint64, f *file, i int, offset, length int64, flags pgio.MapFlags) (ext, src pgio.Extent, err error) {
	e := &f.extents[i]
	if flags&pgio.MapWrite != 0 {
		if need := offset + length; need > e.length {
			nb := make([]byte, need)
			copy(nb, e.inline)
			e.inline = nb
			e.length = need
		}
	}
	ext = e.toExtent()
	return
}

// spillInline writes the inline data out to a freshly allocated
// block and replaces the inline extent with a mapped one.
func (self *Map) spillInline(ino uint64, f *file, i int) error {
	e := &f.extents[i]
	addr, err := self.alloc(self.blockSize())
	if err != nil {
		return err
	}
	buf := make([]byte, self.blockSize())
	copy(buf, e.inline)
	b := device.NewBatch(device.BatchWrite)
	b.TryAdd(addr>>self.BlockBits, buf)
	if err := self.Dev.SubmitWait(b); err != nil {
		return err
	}
	mlog.Printf2("extmap/extmap", "inline spill ino %v -> @%v", ino, addr)
	f.extents[i] = extent{off: 0, length: self.blockSize(), addr: addr,
		typ: pgio.ExtentMapped}
	return nil
}

// MapDone implements pgio.MapperEnd; it persists size growth.
func (self *Map) MapDone(ino uint64, offset, length, processed int64, flags pgio.MapFlags, ext pgio.Extent) error {
	if flags&pgio.MapWrite == 0 || processed <= 0 {
		return nil
	}
	defer self.lock.Locked()()
	f := self.file(ino)
	if offset+processed > f.size {
		f.size = offset + processed
	}
	return nil
}

// FinishIoend implements pgio.IoendFinisher: the unwritten blocks
// the ioend covered now hold real data, convert them.
func (self *Map) FinishIoend(ino uint64, io *pgio.Ioend) error {
	if io.Type != pgio.ExtentUnwritten {
		return nil
	}
	defer self.lock.Locked()()
	f := self.file(ino)
	start := io.Offset
	end := io.End()
	f.splitAt(start)
	f.splitAt(end)
	for i := f.find(start); i < len(f.extents) && f.extents[i].off < end; i++ {
		e := &f.extents[i]
		if e.typ == pgio.ExtentUnwritten {
			mlog.Printf2("extmap/extmap", "convert ino %v [%v,%v)", ino, e.off, e.end())
			e.typ = pgio.ExtentMapped
			e.flags &^= pgio.ExtentFlagNew
		}
	}
	return nil
}

// Truncate implements pgio.Truncater: extents past the new size go
// away. Blocks are not reclaimed; the allocator only goes forward.
func (self *Map) Truncate(ino uint64, size int64) error {
	defer self.lock.Locked()()
	f := self.file(ino)
	limit := self.blockUp(size)
	i := f.find(limit)
	if i < len(f.extents) && f.extents[i].typ == pgio.ExtentInline {
		e := &f.extents[i]
		if size > 0 {
			if size < e.length {
				e.inline = e.inline[:size]
				e.length = size
			}
			i++
		}
	} else {
		f.splitAt(limit)
		i = f.find(limit)
	}
	f.extents = f.extents[:i]
	f.size = size
	return nil
}

// Size returns the mapper's idea of the file size.
func (self *Map) Size(ino uint64) int64 {
	defer self.lock.Locked()()
	return self.file(ino).size
}

// SetSize records the file size without touching extents.
func (self *Map) SetSize(ino uint64, size int64) {
	defer self.lock.Locked()()
	self.file(ino).size = size
}

// Clone makes dst a copy-on-write clone of src: both files end up
// referring to the same blocks, every data extent marked shared so
// the next write to either side copies first. Inline data is simply
// duplicated.
func (self *Map) Clone(srcIno, dstIno uint64) error {
	defer self.lock.Locked()()
	sf := self.file(srcIno)
	df := &file{size: sf.size,
		extents: make([]extent, len(sf.extents))}
	for i := range sf.extents {
		e := sf.extents[i]
		switch e.typ {
		case pgio.ExtentInline:
			nb := make([]byte, len(e.inline))
			copy(nb, e.inline)
			e.inline = nb
		case pgio.ExtentMapped, pgio.ExtentUnwritten:
			e.flags |= pgio.ExtentFlagShared
			sf.extents[i].flags |= pgio.ExtentFlagShared
		}
		e.flags &^= pgio.ExtentFlagNew
		df.extents[i] = e
	}
	self.files[dstIno] = df
	mlog.Printf2("extmap/extmap", "clone %v -> %v (%v extents)", srcIno, dstIno, len(df.extents))
	return nil
}

// Extents returns a copy of the file's extent list, for tests and
// debugging.
func (self *Map) Extents(ino uint64) []pgio.Extent {
	defer self.lock.Locked()()
	f := self.file(ino)
	ret := make([]pgio.Extent, len(f.extents))
	for i := range f.extents {
		ret[i] = f.extents[i].toExtent()
	}
	return ret
}

