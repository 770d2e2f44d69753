/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 14:22:03 2019 mstenber
 * Last modified: Fri Apr 26 13:21:40 2019 mstenber
 * Edit time:     33 min
 *
 */

package bolt

import (
	"encoding/binary"
	"path/filepath"

	bolt "github.com/coreos/bbolt"
	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/mlog"
)

var sectorsBucket = []byte("sectors")

// boltBackend stores sectors in a single bolt database file, one
// key-value pair per sector.
type boltBackend struct {
	device.DirectoryBackendBase
	db *bolt.DB
}

var _ device.Backend = &boltBackend{}

func NewBoltBackend() device.Backend {
	return &boltBackend{}
}

func (self *boltBackend) Init(config device.BackendConfiguration) {
	self.DirectoryBackendBase.Init(config)
	path := filepath.Join(config.Directory, "db.bolt")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		panic(err)
	}
	db.NoSync = !config.Safe
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sectorsBucket)
		return err
	})
	if err != nil {
		panic(err)
	}
	self.db = db
}

func (self *boltBackend) Close() {
	self.db.Close()
}

func (self *boltBackend) Flush() error {
	return self.db.Sync()
}

func sectorKey(addr int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(addr))
	return k
}

func (self *boltBackend) ReadSector(addr int64) (data []byte, err error) {
	err = self.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sectorsBucket).Get(sectorKey(addr))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	mlog.Printf2("device/bolt/bolt", "bb.ReadSector %v %d bytes", addr, len(data))
	return
}

func (self *boltBackend) WriteSector(addr int64, data []byte) error {
	mlog.Printf2("device/bolt/bolt", "bb.WriteSector %v %d bytes", addr, len(data))
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sectorsBucket).Put(sectorKey(addr), data)
	})
}

func (self *boltBackend) GetBytesUsed() uint64 {
	var used uint64
	self.db.View(func(tx *bolt.Tx) error {
		used = uint64(tx.Size())
		return nil
	})
	return used
}
