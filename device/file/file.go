/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 13:58:41 2019 mstenber
 * Last modified: Fri Apr 26 13:09:54 2019 mstenber
 * Edit time:     41 min
 *
 */

package file

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/mlog"
)

// fileBackend stores sectors as files in a directory hierarchy. One
// file per sector, fanned out to subdirectories so no single
// directory grows too large. Codec-wrapped sectors vary in size,
// which plain files accommodate for free.
type fileBackend struct {
	device.DirectoryBackendBase
}

var _ device.Backend = &fileBackend{}

func NewFileBackend() device.Backend {
	return &fileBackend{}
}

func (self *fileBackend) Init(config device.BackendConfiguration) {
	self.DirectoryBackendBase.Init(config)
	err := os.MkdirAll(config.Directory, 0700)
	if err != nil {
		panic(err)
	}
}

func (self *fileBackend) Close() {
}

func (self *fileBackend) Flush() error {
	return nil
}

func (self *fileBackend) sectorPath(addr int64, create bool) (string, error) {
	dir := filepath.Join(self.Directory, fmt.Sprintf("%03x", addr>>12))
	if create {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%x", addr)), nil
}

func (self *fileBackend) ReadSector(addr int64) ([]byte, error) {
	path, _ := self.sectorPath(addr, false)
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	mlog.Printf2("device/file/file", "fb.ReadSector %v %d bytes", addr, len(data))
	return data, nil
}

func (self *fileBackend) WriteSector(addr int64, data []byte) error {
	path, err := self.sectorPath(addr, true)
	if err != nil {
		return err
	}
	mlog.Printf2("device/file/file", "fb.WriteSector %v %d bytes", addr, len(data))
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if self.Safe {
		if err = f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
