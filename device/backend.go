/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 11:03:41 2019 mstenber
 * Last modified: Fri Apr 26 12:01:33 2019 mstenber
 * Edit time:     38 min
 *
 */

package device

import (
	"log"
	"syscall"
)

const DefaultSectorSize = 4096

// BackendConfiguration
//
// Shared configuration for backends. Backends are free to ignore the
// parts that do not apply to them.
type BackendConfiguration struct {
	// How much memory (in bytes) the backend may spend on caching.
	CacheSize int

	// Where the backend lives in the filesystem.
	Directory string

	// Size of one sector in bytes. Power of two.
	SectorSize int

	// Safe, if set, makes every write durable before it is
	// acknowledged. Slow.
	Safe bool
}

// Backend is the shadow behind the throne; it actually stores the
// sectors somewhere. It provides an API that returns results
// consistent with the previous calls. How it does this in practise is
// left as an exercise to the implementor.
//
// Addresses are in sector units. ReadSector of an address that was
// never written returns nil data and nil error; the caller deals with
// the hole.
type Backend interface {
	// Init sets up the backend; it must be called exactly once,
	// before anything else.
	Init(config BackendConfiguration)

	// Close the backend.
	Close()

	// Flush makes earlier writes durable.
	Flush() error

	// ReadSector retrieves the data of one sector.
	ReadSector(addr int64) ([]byte, error)

	// WriteSector (over)writes the data of one sector.
	WriteSector(addr int64, data []byte) error

	// GetSectorSize returns the configured sector size.
	GetSectorSize() int

	// GetBytesAvailable returns number of bytes available.
	GetBytesAvailable() uint64

	// GetBytesUsed returns number of bytes used.
	GetBytesUsed() uint64
}

// DirectoryBackendBase provides the shared scaffolding for the
// backends that live in a filesystem directory.
type DirectoryBackendBase struct {
	BackendConfiguration
}

func (self *DirectoryBackendBase) Init(config BackendConfiguration) {
	if config.SectorSize == 0 {
		config.SectorSize = DefaultSectorSize
	}
	if config.SectorSize&(config.SectorSize-1) != 0 {
		log.Panicf("sector size %d is not a power of two", config.SectorSize)
	}
	self.BackendConfiguration = config
}

func (self *DirectoryBackendBase) GetSectorSize() int {
	return self.SectorSize
}

func (self *DirectoryBackendBase) GetBytesAvailable() uint64 {
	var st syscall.Statfs_t
	err := syscall.Statfs(self.Directory, &st)
	if err != nil {
		return 0
	}
	return uint64(st.Bsize) * st.Bavail
}

func (self *DirectoryBackendBase) GetBytesUsed() uint64 {
	var st syscall.Statfs_t
	err := syscall.Statfs(self.Directory, &st)
	if err != nil {
		return 0
	}
	return uint64(st.Bsize) * (st.Blocks - st.Bfree)
}
