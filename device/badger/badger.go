/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 14:49:31 2019 mstenber
 * Last modified: Fri Apr 26 13:30:12 2019 mstenber
 * Edit time:     29 min
 *
 */

package badger

import (
	"encoding/binary"

	"github.com/dgraph-io/badger"
	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/mlog"
)

// badgerBackend stores sectors in a badger LSM database.
type badgerBackend struct {
	device.DirectoryBackendBase
	db *badger.DB
}

var _ device.Backend = &badgerBackend{}

func NewBadgerBackend() device.Backend {
	return &badgerBackend{}
}

func (self *badgerBackend) Init(config device.BackendConfiguration) {
	self.DirectoryBackendBase.Init(config)
	opts := badger.DefaultOptions
	opts.Dir = config.Directory
	opts.ValueDir = config.Directory
	opts.SyncWrites = config.Safe
	db, err := badger.Open(opts)
	if err != nil {
		panic(err)
	}
	self.db = db
}

func (self *badgerBackend) Close() {
	self.db.Close()
}

func (self *badgerBackend) Flush() error {
	// badger syncs at transaction commit when SyncWrites is set;
	// there is nothing additional to do here.
	return nil
}

func sectorKey(addr int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(addr))
	return k
}

func (self *badgerBackend) ReadSector(addr int64) (data []byte, err error) {
	err = self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sectorKey(addr))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.Value()
		if err != nil {
			return err
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	mlog.Printf2("device/badger/badger", "bb.ReadSector %v %d bytes", addr, len(data))
	return
}

func (self *badgerBackend) WriteSector(addr int64, data []byte) error {
	mlog.Printf2("device/badger/badger", "bb.WriteSector %v %d bytes", addr, len(data))
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sectorKey(addr), data)
	})
}
