/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 13:10:27 2019 mstenber
 * Last modified: Fri Apr 26 12:41:19 2019 mstenber
 * Edit time:     24 min
 *
 */

package device

import (
	"encoding/binary"

	"github.com/fingon/go-pgio/codec"
)

// CodecBackend
//
// Backend wrapper that pushes every sector through a Codec. The
// sector address is bound in as additional data so sectors cannot be
// transplanted to other addresses without detection.
type CodecBackend struct {
	Backend Backend
	Codec   codec.Codec
}

var _ Backend = &CodecBackend{}

func (self *CodecBackend) Init(config BackendConfiguration) {
	self.Backend.Init(config)
}

func addrBytes(addr int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(addr))
	return b
}

func (self *CodecBackend) ReadSector(addr int64) ([]byte, error) {
	data, err := self.Backend.ReadSector(addr)
	if err != nil || data == nil {
		return nil, err
	}
	return self.Codec.DecodeBytes(data, addrBytes(addr))
}

func (self *CodecBackend) WriteSector(addr int64, data []byte) error {
	enc, err := self.Codec.EncodeBytes(data, addrBytes(addr))
	if err != nil {
		return err
	}
	return self.Backend.WriteSector(addr, enc)
}

func (self *CodecBackend) Flush() error {
	return self.Backend.Flush()
}

func (self *CodecBackend) Close() {
	self.Backend.Close()
}

func (self *CodecBackend) GetSectorSize() int {
	return self.Backend.GetSectorSize()
}

func (self *CodecBackend) GetBytesAvailable() uint64 {
	return self.Backend.GetBytesAvailable()
}

func (self *CodecBackend) GetBytesUsed() uint64 {
	return self.Backend.GetBytesUsed()
}
