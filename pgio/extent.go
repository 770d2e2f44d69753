/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Apr  4 09:02:31 2019 mstenber
 * Last modified: Sat Apr 27 12:33:10 2019 mstenber
 * Edit time:     74 min
 *
 */

package pgio

import (
	"fmt"

	"github.com/fingon/go-pgio/mlog"
)

type ExtentType int

const (
	// ExtentHole has no backing blocks; it reads as zeroes.
	ExtentHole ExtentType = iota

	// ExtentUnwritten has allocated blocks whose content is
	// undefined; it reads as zeroes until written and converted.
	ExtentUnwritten

	// ExtentMapped has allocated blocks with real data.
	ExtentMapped

	// ExtentInline keeps its data in the extent itself, not on
	// device blocks.
	ExtentInline
)

func (self ExtentType) String() string {
	switch self {
	case ExtentHole:
		return "ExtentHole"
	case ExtentUnwritten:
		return "ExtentUnwritten"
	case ExtentMapped:
		return "ExtentMapped"
	case ExtentInline:
		return "ExtentInline"
	default:
		return fmt.Sprintf("%d", int(self))
	}
}

type ExtentFlags int

const (
	// ExtentFlagNew marks blocks freshly allocated by this very
	// mapping call; their old content must never be read.
	ExtentFlagNew ExtentFlags = 1 << iota

	// ExtentFlagShared marks blocks shared with another file;
	// writing requires new blocks first.
	ExtentFlagShared

	// ExtentFlagSizeChanged is set by the engine on the extent it
	// was handed when a write through it grew the file, so the
	// mapper sees the growth in MapDone.
	ExtentFlagSizeChanged
)

type MapFlags int

const (
	// MapWrite asks for an extent to write to; the mapper may
	// allocate.
	MapWrite MapFlags = 1 << iota

	// MapZero is a write that only zeroes; holes can stay holes.
	MapZero

	// MapUnshare asks for an unshared copy of shared blocks.
	MapUnshare

	// MapFault marks a page-fault driven request.
	MapFault
)

// Extent
//
// One contiguous piece of the file-offset to device-address mapping.
// Addr is a byte address in device space; the device itself speaks
// block-sized sectors, the engines do the conversion.
type Extent struct {
	Type   ExtentType
	Flags  ExtentFlags
	Offset int64
	Length int64
	Addr   int64

	// Inline carries the data of ExtentInline extents. The
	// engines write into it in place.
	Inline []byte
}

func (self *Extent) End() int64 {
	return self.Offset + self.Length
}

func (self *Extent) String() string {
	return fmt.Sprintf("{%v %v [%v,%v) @%v}",
		self.Type, self.Flags, self.Offset, self.End(), self.Addr)
}

// contains tells if the extent covers the byte at pos.
func (self *Extent) contains(pos int64) bool {
	return pos >= self.Offset && pos < self.End()
}

// Mapper resolves file offsets to extents. Implementations decide
// allocation policy; the engines only consume what they are given.
type Mapper interface {
	// MapExtent returns the extent containing offset. The extent
	// may be shorter than length but must be non-empty and must
	// contain offset.
	//
	// src tells where the current data of the range lives when
	// that differs from ext (copy-on-write: ext is the new
	// blocks, src the old). A zero-Length src means they are the
	// same.
	MapExtent(ino uint64, offset, length int64, flags MapFlags) (ext, src Extent, err error)
}

// MapperEnd is implemented by mappers that want to hear how much of a
// mapped range was actually used, e.g. to trim speculative
// allocations or to persist a size change.
type MapperEnd interface {
	MapDone(ino uint64, offset, length, processed int64, flags MapFlags, ext Extent) error
}

// Truncater is implemented by mappers that track file size and
// extents past it.
type Truncater interface {
	Truncate(ino uint64, size int64) error
}

type applyFunc func(ext, src *Extent, pos, count int64) (int64, error)

// apply maps [pos, pos+length) one extent at a time and feeds each
// piece to fn. fn returns how much it processed; a short return ends
// the loop.
func (self *Inode) apply(pos, length int64, flags MapFlags, fn applyFunc) (int64, error) {
	var done int64
	for length > 0 {
		ext, src, err := self.Mapper.MapExtent(self.Ino, pos, length, flags)
		if err != nil {
			return done, err
		}
		if ext.Length <= 0 || !ext.contains(pos) {
			return done, ErrInvalidExtent
		}
		srcp := &ext
		if src.Length > 0 {
			if !src.contains(pos) {
				return done, ErrInvalidExtent
			}
			srcp = &src
		}
		mlog.Printf2("pgio/extent", "apply %v src %v for [%v,%v)", &ext, srcp, pos, pos+length)
		count := ext.End() - pos
		if count > length {
			count = length
		}
		if srcp != &ext && srcp.End()-pos < count {
			count = srcp.End() - pos
		}
		n, err := fn(&ext, srcp, pos, count)
		if me, ok := self.Mapper.(MapperEnd); ok {
			eerr := me.MapDone(self.Ino, pos, count, n, flags, ext)
			if err == nil {
				err = eerr
			}
		}
		done += n
		if err != nil {
			return done, err
		}
		if n < count {
			return done, nil
		}
		pos += n
		length -= n
	}
	return done, nil
}
