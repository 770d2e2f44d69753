/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr 29 09:12:31 2019 mstenber
 * Last modified: Mon Apr 29 10:02:44 2019 mstenber
 * Edit time:     31 min
 *
 */

package pgio

import (
	"errors"
	"testing"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/device/inmemory"
	"github.com/fingon/go-pgio/pagecache"
	"github.com/stvp/assert"
)

// errBackend fails every read until told otherwise.
type errBackend struct {
	device.Backend
	readErr error
}

func (self *errBackend) ReadSector(addr int64) ([]byte, error) {
	if self.readErr != nil {
		return nil, self.readErr
	}
	return self.Backend.ReadSector(addr)
}

func TestReadErrorSetsPageError(t *testing.T) {
	t.Parallel()
	boom := errors.New("bad sector")
	inner := inmemory.NewInMemoryBackend()
	inner.Init(device.BackendConfiguration{SectorSize: 1 << 10})
	be := &errBackend{Backend: inner, readErr: boom}
	dev := device.NewDevice(be, 2)
	t.Cleanup(dev.Close)
	ino := Inode{Ino: 1, Mapper: &flatMapper{}, Dev: dev,
		BlockBits: 10,
		Cache:     pagecache.Mapping{PageBits: 12}.Init()}.Init()
	ino.SetSize(1 << 20)

	buf := make([]byte, 1024)
	_, err := ino.ReadAt(buf, 0)
	assert.Equal(t, err, boom)

	p := ino.Cache.GetPage(0, true)
	assert.True(t, p.IsErrored())
	assert.False(t, p.IsUptodate())

	// an errored page refuses new uptodate state
	info := ino.pageInfoCreate(p)
	ino.setRangeUptodate(p, info, 0, 4096)
	assert.False(t, p.IsUptodate())
	p.Unlock()
	p.Release()

	// the next attempt starts clean and succeeds
	be.readErr = nil
	n, err := ino.ReadAt(buf, 0)
	assert.Nil(t, err)
	assert.Equal(t, n, 1024)
	p = ino.Cache.GetPage(0, false)
	assert.False(t, p.IsErrored())
	assert.True(t, ino.IsRangeUptodate(p, 0, 1024))
	p.Unlock()
	p.Release()
}
