/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 15:12:23 2019 mstenber
 * Last modified: Fri Apr 26 13:44:28 2019 mstenber
 * Edit time:     36 min
 *
 */

// factory ties together the concrete backends, the codec layer and
// the Device frontend so that the callers can deal with backends by
// name.
package factory

import (
	"log"
	"sort"

	"github.com/fingon/go-pgio/codec"
	"github.com/fingon/go-pgio/device"
	"github.com/fingon/go-pgio/device/badger"
	"github.com/fingon/go-pgio/device/bolt"
	"github.com/fingon/go-pgio/device/file"
	"github.com/fingon/go-pgio/device/inmemory"
)

const EncryptionIterations = 4096

var backends = map[string]func() device.Backend{
	"badger":   badger.NewBadgerBackend,
	"bolt":     bolt.NewBoltBackend,
	"file":     file.NewFileBackend,
	"inmemory": inmemory.NewInMemoryBackend,
}

// List returns the available backend names, in sorted order.
func List() []string {
	keys := make([]string, 0, len(backends))
	for k := range backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New creates a named backend. Unknown names are a fatal programming
// error.
func New(name string, config device.BackendConfiguration) device.Backend {
	mk, ok := backends[name]
	if !ok {
		log.Panicf("unknown backend: %s", name)
	}
	be := mk()
	be.Init(config)
	return be
}

// NewDevice creates a named backend and wraps it in a Device.
func NewDevice(name string, config device.BackendConfiguration, workers int) *device.Device {
	return device.NewDevice(New(name, config), workers)
}

// NewCryptoDevice creates a named backend whose sectors are
// compressed and, if password is non-empty, encrypted, and wraps it
// in a Device.
func NewCryptoDevice(name string, config device.BackendConfiguration, workers int, password, salt string) *device.Device {
	mk, ok := backends[name]
	if !ok {
		log.Panicf("unknown backend: %s", name)
	}
	codecs := []codec.Codec{&codec.CompressingCodec{}}
	if password != "" {
		ec := codec.EncryptingCodec{}.Init(
			[]byte(password), []byte(salt), EncryptionIterations)
		codecs = append([]codec.Codec{ec}, codecs...)
	}
	be := &device.CodecBackend{Backend: mk(),
		Codec: codec.CodecChain{}.Init(codecs...)}
	be.Init(config)
	return device.NewDevice(be, workers)
}
