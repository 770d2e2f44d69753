/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr  8 10:05:27 2019 mstenber
 * Last modified: Sun Apr 28 17:23:51 2019 mstenber
 * Edit time:     97 min
 *
 */

// fusefs exposes the buffered I/O engines as a FUSE filesystem with
// a single flat directory. Small on purpose: the interesting part is
// the data path (page cache, extents, writeback), not the namespace.
package fusefs

import (
	"io"
	"syscall"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/extmap"
	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/pagecache"
	"github.com/fingon/go-pgio/pgio"
	"github.com/fingon/go-pgio/util"
	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"
	"github.com/hanwen/go-fuse/fuse/pathfs"
)

type entry struct {
	ino  *pgio.Inode
	mode uint32
}

// Fs
//
// pathfs filesystem with one directory of files, each backed by a
// pgio.Inode over the shared extent map and device.
type Fs struct {
	pathfs.FileSystem

	Dev       *device.Device
	Map       *extmap.Map
	BlockBits uint
	PageBits  uint

	// CachePages bounds each file's page cache.
	CachePages int

	lock    util.MutexLocked
	entries map[string]*entry
	nextIno uint64
}

func NewFs(dev *device.Device, m *extmap.Map, blockBits uint) *Fs {
	return &Fs{FileSystem: pathfs.NewDefaultFileSystem(),
		Dev: dev, Map: m, BlockBits: blockBits,
		PageBits: pagecache.DefaultPageBits,
		entries:  make(map[string]*entry),
		nextIno:  1}
}

func (self *Fs) String() string {
	return "pgiofs"
}

func (self *Fs) newInode(ino uint64) *pgio.Inode {
	cache := pagecache.Mapping{PageBits: self.PageBits,
		CachePages: self.CachePages}.Init()
	return pgio.Inode{Ino: ino, Mapper: self.Map, Dev: self.Dev,
		BlockBits: self.BlockBits, Cache: cache}.Init()
}

func (self *Fs) get(name string) *entry {
	defer self.lock.Locked()()
	return self.entries[name]
}

func (self *Fs) GetAttr(name string, context *fuse.Context) (*fuse.Attr, fuse.Status) {
	if name == "" {
		return &fuse.Attr{Mode: fuse.S_IFDIR | 0755}, fuse.OK
	}
	e := self.get(name)
	if e == nil {
		return nil, fuse.ENOENT
	}
	return &fuse.Attr{Mode: fuse.S_IFREG | e.mode,
		Ino:  e.ino.Ino,
		Size: uint64(e.ino.Size())}, fuse.OK
}

func (self *Fs) OpenDir(name string, context *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	if name != "" {
		return nil, fuse.ENOENT
	}
	defer self.lock.Locked()()
	ret := make([]fuse.DirEntry, 0, len(self.entries))
	for n, e := range self.entries {
		ret = append(ret, fuse.DirEntry{Name: n,
			Mode: fuse.S_IFREG | e.mode})
	}
	return ret, fuse.OK
}

func (self *Fs) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	e := self.get(name)
	if e == nil {
		return nil, fuse.ENOENT
	}
	return newFile(e.ino), fuse.OK
}

func (self *Fs) Create(name string, flags uint32, mode uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	defer self.lock.Locked()()
	if self.entries[name] != nil {
		return nil, fuse.EBUSY
	}
	self.nextIno++
	e := &entry{ino: self.newInode(self.nextIno), mode: mode & 0777}
	self.entries[name] = e
	mlog.Printf2("fusefs/fusefs", "fs.Create %s ino %v", name, e.ino.Ino)
	return newFile(e.ino), fuse.OK
}

func (self *Fs) Unlink(name string, context *fuse.Context) fuse.Status {
	defer self.lock.Locked()()
	e := self.entries[name]
	if e == nil {
		return fuse.ENOENT
	}
	delete(self.entries, name)
	// dirty data of a deleted file is not worth writing
	e.ino.Cache.InvalidateRange(0, -1)
	e.ino.Truncate(0)
	return fuse.OK
}

func (self *Fs) Rename(oldName, newName string, context *fuse.Context) fuse.Status {
	defer self.lock.Locked()()
	e := self.entries[oldName]
	if e == nil {
		return fuse.ENOENT
	}
	delete(self.entries, oldName)
	self.entries[newName] = e
	return fuse.OK
}

func (self *Fs) Truncate(name string, size uint64, context *fuse.Context) fuse.Status {
	e := self.get(name)
	if e == nil {
		return fuse.ENOENT
	}
	return errStatus(e.ino.Truncate(int64(size)))
}

func errStatus(err error) fuse.Status {
	switch err {
	case nil:
		return fuse.OK
	case pgio.ErrNoSpace:
		return fuse.Status(syscall.ENOSPC)
	case pgio.ErrInterrupted:
		return fuse.Status(syscall.EINTR)
	default:
		return fuse.EIO
	}
}

// file is one open handle; all handles of a name share the inode and
// therefore the cache.
type file struct {
	nodefs.File
	ino *pgio.Inode
}

func newFile(ino *pgio.Inode) nodefs.File {
	return &file{File: nodefs.NewDefaultFile(), ino: ino}
}

func (self *file) String() string {
	return "pgiofs.file"
}

func (self *file) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	n, err := self.ino.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, errStatus(err)
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (self *file) Write(data []byte, off int64) (uint32, fuse.Status) {
	n, err := self.ino.Write(data, off)
	if err != nil {
		return uint32(n), errStatus(err)
	}
	return uint32(n), fuse.OK
}

func (self *file) Truncate(size uint64) fuse.Status {
	return errStatus(self.ino.Truncate(int64(size)))
}

func (self *file) Flush() fuse.Status {
	return errStatus(self.ino.Fsync())
}

func (self *file) Fsync(flags int) fuse.Status {
	return errStatus(self.ino.Fsync())
}

func (self *file) GetAttr(out *fuse.Attr) fuse.Status {
	out.Mode = fuse.S_IFREG | 0644
	out.Ino = self.ino.Ino
	out.Size = uint64(self.ino.Size())
	return fuse.OK
}
