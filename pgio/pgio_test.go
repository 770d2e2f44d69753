/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sun Apr  7 09:31:11 2019 mstenber
 * Last modified: Sun Apr 28 15:02:47 2019 mstenber
 * Edit time:     171 min
 *
 */

package pgio_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/device/inmemory"
	"github.com/fingon/go-pgio/extmap"
	"github.com/fingon/go-pgio/pagecache"
	"github.com/fingon/go-pgio/pgio"
	"github.com/stvp/assert"
)

type testFS struct {
	dev *device.Device
	m   *extmap.Map
}

func newTestFS(t *testing.T, blockBits uint) *testFS {
	be := inmemory.NewInMemoryBackend()
	be.Init(device.BackendConfiguration{SectorSize: 1 << blockBits})
	dev := device.NewDevice(be, 2)
	t.Cleanup(dev.Close)
	m := extmap.Map{BlockBits: blockBits, Dev: dev}.Init()
	return &testFS{dev: dev, m: m}
}

func (self *testFS) inode(ino uint64, blockBits uint) *pgio.Inode {
	return pgio.Inode{Ino: ino, Mapper: self.m, Dev: self.dev,
		BlockBits: blockBits,
		Cache:     pagecache.Mapping{PageBits: 12}.Init()}.Init()
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestWriteReadRoundtrip(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	ino := fs.inode(1, 12)

	data := pattern(10000, 1)
	n, err := ino.Write(data, 5)
	assert.Nil(t, err)
	assert.Equal(t, n, len(data))
	assert.Equal(t, ino.Size(), int64(10005))

	// readable from cache before any writeback
	got := make([]byte, len(data))
	n, err = ino.ReadAt(got, 5)
	assert.Nil(t, err)
	assert.Equal(t, n, len(data))
	assert.True(t, bytes.Equal(got, data))

	assert.Nil(t, ino.Fsync())
	assert.True(t, fs.dev.WritesDone() > 0)

	// and from the device through a cold cache
	cold := fs.inode(1, 12)
	assert.Equal(t, cold.Size(), int64(10005))
	n, err = cold.ReadAt(got, 5)
	assert.Nil(t, err)
	assert.Equal(t, n, len(data))
	assert.True(t, bytes.Equal(got, data))

	// the never-written head of the first block reads as zeroes
	head := make([]byte, 5)
	_, err = cold.ReadAt(head, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(head, make([]byte, 5)))
}

func TestReadEOF(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	ino := fs.inode(1, 12)
	_, err := ino.Write(pattern(100, 2), 0)
	assert.Nil(t, err)

	buf := make([]byte, 200)
	n, err := ino.ReadAt(buf, 0)
	assert.Equal(t, n, 100)
	assert.Equal(t, err, io.EOF)

	_, err = ino.ReadAt(buf, 1000)
	assert.Equal(t, err, io.EOF)
}

func TestSubBlockWrite(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 10)
	ino := fs.inode(1, 10)

	// one block in the middle of a page, nothing else
	data := pattern(1024, 3)
	_, err := ino.Write(data, 1024)
	assert.Nil(t, err)
	assert.Nil(t, ino.Fsync())

	cold := fs.inode(1, 10)
	got := make([]byte, 2048)
	n, err := cold.ReadAt(got, 0)
	assert.Equal(t, n, 2048)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got[:1024], make([]byte, 1024)))
	assert.True(t, bytes.Equal(got[1024:], data))
}

func TestWriteStraddleEOF(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 10)
	ino := fs.inode(1, 10)

	// EOF at 4090, mid-block; the tail past it must stay zero
	data := pattern(4090, 4)
	_, err := ino.Write(data, 0)
	assert.Nil(t, err)
	assert.Nil(t, ino.Fsync())

	cold := fs.inode(1, 10)
	got := make([]byte, 4090)
	_, err = cold.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, data))

	// grow the file over the old tail; the gap reads as zeroes
	cold.SetSize(8192)
	tail := make([]byte, 6)
	_, err = cold.ReadAt(tail, 4090)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(tail, make([]byte, 6)))
}

func TestIoendBatching(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	ino := fs.inode(1, 12)

	var chains []*pgio.Ioend
	done := make(chan struct{}, 16)
	ino.CompleteIoend = func(io *pgio.Ioend) {
		chains = append(chains, io)
		done <- struct{}{}
	}

	// two adjacent pages from one allocation: one ioend
	_, err := ino.Write(pattern(8192, 5), 0)
	assert.Nil(t, err)
	assert.Nil(t, ino.WritePages(0, -1))
	<-done
	assert.Equal(t, len(chains), 1)
	io := chains[0]
	assert.Equal(t, io.Offset, int64(0))
	assert.Equal(t, io.Size, int64(8192))
	assert.Equal(t, io.Type, pgio.ExtentUnwritten)
	assert.Nil(t, io.Error)
	ino.FinishIoends(io)

	// pages are clean once the deferred completion ran
	assert.Nil(t, ino.Fsync())
}

func TestWritebackError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	fs := newTestFS(t, 12)
	fs.dev.Backend = &failingBackend{Backend: fs.dev.Backend, err: boom}
	ino := fs.inode(1, 12)

	_, err := ino.Write(pattern(4096, 6), 0)
	assert.Nil(t, err)
	assert.Equal(t, ino.Fsync(), boom)
	// the latch is one-shot
	assert.Nil(t, ino.Fsync())
}

type failingBackend struct {
	device.Backend
	err error
}

func (self *failingBackend) WriteSector(addr int64, data []byte) error {
	return self.err
}

func TestZeroRange(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 10)
	ino := fs.inode(1, 10)

	data := pattern(8192, 7)
	_, err := ino.Write(data, 0)
	assert.Nil(t, err)
	// zeroing consults extents, and until writeback runs the data
	// sits over unwritten ones; flush first
	assert.Nil(t, ino.Fsync())
	assert.Nil(t, ino.ZeroRange(1000, 3000))

	got := make([]byte, 8192)
	_, err = ino.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got[:1000], data[:1000]))
	assert.True(t, bytes.Equal(got[1000:4000], make([]byte, 3000)))
	assert.True(t, bytes.Equal(got[4000:], data[4000:]))

	// zeroing must not grow the file
	assert.Nil(t, ino.ZeroRange(8000, 1000))
	assert.Equal(t, ino.Size(), int64(8192))
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 10)
	ino := fs.inode(1, 10)

	data := pattern(8192, 8)
	_, err := ino.Write(data, 0)
	assert.Nil(t, err)
	assert.Nil(t, ino.Fsync())

	assert.Nil(t, ino.Truncate(5000))
	assert.Equal(t, ino.Size(), int64(5000))
	buf := make([]byte, 8192)
	n, err := ino.ReadAt(buf, 0)
	assert.Equal(t, n, 5000)
	assert.Equal(t, err, io.EOF)
	assert.True(t, bytes.Equal(buf[:5000], data[:5000]))

	// growing back exposes zeroes, not the old tail
	assert.Nil(t, ino.Truncate(8192))
	n, err = ino.ReadAt(buf, 0)
	assert.Equal(t, n, 8192)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(buf[5000:], make([]byte, 3192)))
}

func TestCloneAndUnshare(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	ino := fs.inode(1, 12)

	data := pattern(8192, 9)
	_, err := ino.Write(data, 0)
	assert.Nil(t, err)
	assert.Nil(t, ino.Fsync())

	assert.Nil(t, fs.m.Clone(1, 2))
	ino2 := fs.inode(2, 12)
	assert.Equal(t, ino2.Size(), int64(8192))
	got := make([]byte, 8192)
	_, err = ino2.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, data))

	// writing the clone copies first; the original is untouched
	mod := pattern(4096, 10)
	_, err = ino2.Write(mod, 0)
	assert.Nil(t, err)
	assert.Nil(t, ino2.Fsync())
	cold := fs.inode(1, 12)
	_, err = cold.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, data))
	_, err = ino2.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got[:4096], mod))
	assert.True(t, bytes.Equal(got[4096:], data[4096:]))

	// unshare the rest of the original and verify nothing shared
	// remains on it
	assert.Nil(t, ino.Unshare(0, 8192))
	assert.Nil(t, ino.Fsync())
	for _, e := range fs.m.Extents(1) {
		assert.True(t, e.Flags&pgio.ExtentFlagShared == 0)
	}
	_, err = ino.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, data))
}

func TestInlineFile(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	fs.m = extmap.Map{BlockBits: 12, Dev: fs.dev,
		InlineMax: extmap.DefaultInlineMax}.Init()
	ino := fs.inode(1, 12)

	small := pattern(100, 11)
	_, err := ino.Write(small, 0)
	assert.Nil(t, err)
	exts := fs.m.Extents(1)
	assert.Equal(t, len(exts), 1)
	assert.Equal(t, exts[0].Type, pgio.ExtentInline)

	got := make([]byte, 100)
	_, err = ino.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, small))

	// outgrowing the inline limit spills to real blocks
	big := pattern(600, 12)
	_, err = ino.Write(big, 100)
	assert.Nil(t, err)
	assert.Nil(t, ino.Fsync())
	for _, e := range fs.m.Extents(1) {
		assert.True(t, e.Type != pgio.ExtentInline)
	}

	cold := fs.inode(1, 12)
	all := make([]byte, 700)
	_, err = cold.ReadAt(all, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(all[:100], small))
	assert.True(t, bytes.Equal(all[100:], big))
}

func TestReadAhead(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	ino := fs.inode(1, 12)
	data := pattern(3*4096, 13)
	_, err := ino.Write(data, 0)
	assert.Nil(t, err)
	assert.Nil(t, ino.Fsync())

	cold := fs.inode(1, 12)
	cold.ReadAhead(0, int64(len(data)))
	got := make([]byte, len(data))
	n, err := cold.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.Equal(t, n, len(data))
	assert.True(t, bytes.Equal(got, data))
	assert.True(t, fs.dev.ReadsDone() > 0)
}

func TestInterrupted(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	ino := fs.inode(1, 12)
	ino.Interrupted = func() bool { return true }

	_, err := ino.Write(pattern(100, 14), 0)
	assert.Equal(t, err, pgio.ErrInterrupted)
	ino.SetSize(4096)
	_, err = ino.ReadAt(make([]byte, 10), 0)
	assert.Equal(t, err, pgio.ErrInterrupted)
}

func TestWriteFrom(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	ino := fs.inode(1, 12)
	data := pattern(10000, 15)
	n, err := ino.WriteFrom(bytes.NewReader(data), 0)
	assert.Nil(t, err)
	assert.Equal(t, n, int64(len(data)))

	got := make([]byte, len(data))
	_, err = ino.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, data))
}

func TestPageMkwrite(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t, 12)
	ino := fs.inode(1, 12)
	_, err := ino.Write(pattern(4096, 16), 0)
	assert.Nil(t, err)
	assert.Nil(t, ino.Fsync())

	// the faulted page ends up dirty and goes out with the next
	// writeback
	assert.Nil(t, ino.PageMkwrite(0))
	p := ino.Cache.GetPage(0, false)
	assert.Equal(t, p.State(), pagecache.PageDirty)
	copy(p.Data[:5], "xyzzy")
	p.Unlock()
	p.Release()
	assert.Nil(t, ino.Fsync())

	cold := fs.inode(1, 12)
	got := make([]byte, 5)
	_, err = cold.ReadAt(got, 0)
	assert.Nil(t, err)
	assert.Equal(t, string(got), "xyzzy")

	// beyond EOF there is nothing to fault in
	assert.Equal(t, ino.PageMkwrite(100000), io.EOF)
}
