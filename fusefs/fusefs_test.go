/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr  8 12:30:44 2019 mstenber
 * Last modified: Sun Apr 28 18:31:17 2019 mstenber
 * Edit time:     38 min
 *
 */

package fusefs

import (
	"errors"
	"syscall"
	"testing"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/device/inmemory"
	"github.com/fingon/go-pgio/extmap"
	"github.com/fingon/go-pgio/pgio"
	"github.com/hanwen/go-fuse/fuse"
	"github.com/stvp/assert"
)

func newTestFs(t *testing.T) *Fs {
	be := inmemory.NewInMemoryBackend()
	be.Init(device.BackendConfiguration{SectorSize: 4096})
	dev := device.NewDevice(be, 2)
	t.Cleanup(dev.Close)
	m := extmap.Map{BlockBits: 12, Dev: dev,
		InlineMax: extmap.DefaultInlineMax}.Init()
	return NewFs(dev, m, 12)
}

func TestFsLifecycle(t *testing.T) {
	t.Parallel()
	fs := newTestFs(t)

	_, code := fs.GetAttr("", nil)
	assert.Equal(t, code, fuse.OK)
	_, code = fs.GetAttr("nope", nil)
	assert.Equal(t, code, fuse.ENOENT)

	f, code := fs.Create("hello.txt", 0, 0644, nil)
	assert.Equal(t, code, fuse.OK)

	n, code := f.Write([]byte("hello, world"), 0)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, n, uint32(12))

	attr, code := fs.GetAttr("hello.txt", nil)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, attr.Size, uint64(12))
	assert.True(t, attr.Mode&fuse.S_IFREG != 0)

	buf := make([]byte, 100)
	res, code := f.Read(buf, 0)
	assert.Equal(t, code, fuse.OK)
	b, _ := res.Bytes(nil)
	assert.Equal(t, string(b), "hello, world")

	assert.Equal(t, f.Fsync(0), fuse.OK)
	f.Release()

	// a fresh handle sees the same bytes
	f2, code := fs.Open("hello.txt", 0, nil)
	assert.Equal(t, code, fuse.OK)
	res, code = f2.Read(buf, 7)
	assert.Equal(t, code, fuse.OK)
	b, _ = res.Bytes(nil)
	assert.Equal(t, string(b), "world")
	f2.Release()
}

func TestErrStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, errStatus(nil), fuse.OK)
	assert.Equal(t, errStatus(pgio.ErrNoSpace), fuse.Status(syscall.ENOSPC))
	assert.Equal(t, errStatus(pgio.ErrInterrupted), fuse.Status(syscall.EINTR))
	assert.Equal(t, errStatus(errors.New("anything else")), fuse.EIO)
}

func TestFsDir(t *testing.T) {
	t.Parallel()
	fs := newTestFs(t)
	for _, n := range []string{"a", "b", "c"} {
		_, code := fs.Create(n, 0, 0644, nil)
		assert.Equal(t, code, fuse.OK)
	}
	ents, code := fs.OpenDir("", nil)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, len(ents), 3)

	assert.Equal(t, fs.Rename("a", "z", nil), fuse.OK)
	_, code = fs.GetAttr("a", nil)
	assert.Equal(t, code, fuse.ENOENT)
	_, code = fs.GetAttr("z", nil)
	assert.Equal(t, code, fuse.OK)

	assert.Equal(t, fs.Unlink("z", nil), fuse.OK)
	assert.Equal(t, fs.Unlink("z", nil), fuse.ENOENT)
	ents, _ = fs.OpenDir("", nil)
	assert.Equal(t, len(ents), 2)
}

func TestFsTruncate(t *testing.T) {
	t.Parallel()
	fs := newTestFs(t)
	f, code := fs.Create("t", 0, 0644, nil)
	assert.Equal(t, code, fuse.OK)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = 0xab
	}
	_, code = f.Write(data, 0)
	assert.Equal(t, code, fuse.OK)

	assert.Equal(t, fs.Truncate("t", 100, nil), fuse.OK)
	attr, _ := fs.GetAttr("t", nil)
	assert.Equal(t, attr.Size, uint64(100))

	// shrink then grow exposes zeroes, not old bytes
	assert.Equal(t, f.Truncate(5000), fuse.OK)
	buf := make([]byte, 5000)
	res, code := f.Read(buf, 0)
	assert.Equal(t, code, fuse.OK)
	b, _ := res.Bytes(nil)
	assert.Equal(t, len(b), 5000)
	for i := 100; i < 5000; i++ {
		if b[i] != 0 {
			t.Fatalf("nonzero at %d", i)
		}
	}
	f.Release()
}
