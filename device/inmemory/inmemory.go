/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 13:30:11 2019 mstenber
 * Last modified: Fri Apr 26 12:50:07 2019 mstenber
 * Edit time:     19 min
 *
 */

package inmemory

import (
	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/util"
)

// inMemoryBackend provides In-memory storage; data is valid only
// during the process lifetime. Mostly useful for testing.
type inMemoryBackend struct {
	device.BackendConfiguration
	lock    util.MutexLocked
	sectors map[int64][]byte
	used    uint64
}

var _ device.Backend = &inMemoryBackend{}

func NewInMemoryBackend() device.Backend {
	return &inMemoryBackend{}
}

func (self *inMemoryBackend) Init(config device.BackendConfiguration) {
	if config.SectorSize == 0 {
		config.SectorSize = device.DefaultSectorSize
	}
	self.BackendConfiguration = config
	self.sectors = make(map[int64][]byte)
}

func (self *inMemoryBackend) Close() {
	defer self.lock.Locked()()
	self.sectors = nil
}

func (self *inMemoryBackend) Flush() error {
	return nil
}

func (self *inMemoryBackend) ReadSector(addr int64) ([]byte, error) {
	defer self.lock.Locked()()
	data, ok := self.sectors[addr]
	if !ok {
		return nil, nil
	}
	mlog.Printf2("device/inmemory/inmemory", "im.ReadSector %v %d bytes", addr, len(data))
	ret := make([]byte, len(data))
	copy(ret, data)
	return ret, nil
}

func (self *inMemoryBackend) WriteSector(addr int64, data []byte) error {
	defer self.lock.Locked()()
	mlog.Printf2("device/inmemory/inmemory", "im.WriteSector %v %d bytes", addr, len(data))
	old, ok := self.sectors[addr]
	if ok {
		self.used -= uint64(len(old))
	}
	nd := make([]byte, len(data))
	copy(nd, data)
	self.sectors[addr] = nd
	self.used += uint64(len(nd))
	return nil
}

func (self *inMemoryBackend) GetSectorSize() int {
	return self.SectorSize
}

func (self *inMemoryBackend) GetBytesUsed() uint64 {
	defer self.lock.Locked()()
	return self.used
}

func (self *inMemoryBackend) GetBytesAvailable() uint64 {
	return uint64(1) << 62
}
