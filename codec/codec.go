/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 10:02:13 2019 mstenber
 * Last modified: Fri Apr 26 11:17:40 2019 mstenber
 * Edit time:     96 min
 *
 */

// codec library is responsible for transforming data + additionalData
// to a different kind of data: encrypting/decrypting,
// compressing/uncompressing, or checksumming, on case-by-case basis.
//
// CodecChain makes it possible to combine multiple Codecs that do the
// particular sub-EncodeBytes/DecodeBytes steps.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"log"

	"github.com/golang/snappy"
	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/pbkdf2"
)

// Codec
//
// Single transformation of byte slices.
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

// EncryptingCodec
//
// AES GCM based encrypting/decrypting (+authenticating) Codec.
type EncryptingCodec struct {
	gcm cipher.AEAD
}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	mk := pbkdf2.Key(password, salt, iter, 32, sha256.New)
	block, err := aes.NewCipher(mk)
	if err != nil {
		log.Panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Panic(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ns := self.gcm.NonceSize()
	if len(data) < ns {
		err = errors.New("truncated encrypted data")
		return
	}
	ret, err = self.gcm.Open(nil, data[:ns], data[ns:], additionalData)
	return
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ret = self.gcm.Seal(nonce, nonce, data, additionalData)
	return
}

type CompressionType byte

const (
	CompressionType_UNSET CompressionType = iota

	// The data has not been compressed.
	CompressionType_PLAIN

	// The data is compressed with Snappy.
	CompressionType_SNAPPY
)

// CompressingCodec
//
// On-the-fly compressing Codec. If the result does not improve, the
// result is marked to be plaintext and passed as-is (at cost of 1
// byte).
type CompressingCodec struct{}

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) == 0 {
		err = errors.New("empty compressed data")
		return
	}
	switch CompressionType(data[0]) {
	case CompressionType_PLAIN:
		ret = data[1:]
	case CompressionType_SNAPPY:
		ret, err = snappy.Decode(nil, data[1:])
	default:
		err = fmt.Errorf("unknown compression type %d", data[0])
	}
	return
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	cd := snappy.Encode(nil, data)
	if len(cd) >= len(data) {
		ret = append([]byte{byte(CompressionType_PLAIN)}, data...)
		return
	}
	ret = append([]byte{byte(CompressionType_SNAPPY)}, cd...)
	return
}

// ChecksumCodec
//
// Prepends a sha256 checksum over data+additionalData on encode, and
// verifies + strips it on decode.
type ChecksumCodec struct{}

func (self *ChecksumCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < sha256.Size {
		err = errors.New("truncated checksummed data")
		return
	}
	ret = data[sha256.Size:]
	if !bytes.Equal(data[:sha256.Size], self.sum(ret, additionalData)) {
		ret = nil
		err = errors.New("checksum mismatch")
	}
	return
}

func (self *ChecksumCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = append(self.sum(data, additionalData), data...)
	return
}

func (self *ChecksumCodec) sum(data, additionalData []byte) []byte {
	h := sha256.New()
	h.Write(data)
	h.Write(additionalData)
	return h.Sum(nil)
}

type CodecChain struct {
	codecs, reverseCodecs []Codec
}

// Init method initializes the codec chain.
//
// codecs are given in decryption order, so e.g. encrypting one
// should be given before compressing one.
func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	// Reverse the codec slice for encoding purposes
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.EncodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}
