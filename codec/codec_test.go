/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 10:44:07 2019 mstenber
 * Last modified: Fri Apr 26 11:22:14 2019 mstenber
 * Edit time:     31 min
 *
 */

package codec

import (
	"bytes"
	"testing"

	"github.com/stvp/assert"
)

func testCodecRoundtrip(t *testing.T, c Codec, data, ad []byte) {
	enc, err := c.EncodeBytes(data, ad)
	assert.Nil(t, err)
	dec, err := c.DecodeBytes(enc, ad)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(dec, data))
}

func TestCompressingCodec(t *testing.T) {
	t.Parallel()
	c := &CompressingCodec{}

	// compressible data winds up smaller than input
	comp := bytes.Repeat([]byte("1234567890"), 100)
	enc, err := c.EncodeBytes(comp, nil)
	assert.Nil(t, err)
	assert.True(t, len(enc) < len(comp))
	testCodecRoundtrip(t, c, comp, nil)

	// incompressible data costs exactly the type byte
	enc, err = c.EncodeBytes([]byte("z"), nil)
	assert.Nil(t, err)
	assert.Equal(t, len(enc), 2)
	testCodecRoundtrip(t, c, []byte("z"), nil)
}

func TestEncryptingCodec(t *testing.T) {
	t.Parallel()
	c := EncryptingCodec{}.Init([]byte("assword"), []byte("alt"), 123)
	data := []byte("data")
	ad := []byte("ad")
	testCodecRoundtrip(t, c, data, ad)

	// differing additionalData should not decode
	enc, err := c.EncodeBytes(data, ad)
	assert.Nil(t, err)
	_, err = c.DecodeBytes(enc, []byte("ad2"))
	assert.True(t, err != nil)

	// nor should a flipped bit
	enc[len(enc)-1] ^= 1
	_, err = c.DecodeBytes(enc, ad)
	assert.True(t, err != nil)
}

func TestChecksumCodec(t *testing.T) {
	t.Parallel()
	c := &ChecksumCodec{}
	data := []byte("stuffs")
	testCodecRoundtrip(t, c, data, nil)

	enc, err := c.EncodeBytes(data, nil)
	assert.Nil(t, err)
	enc[0] ^= 1
	_, err = c.DecodeBytes(enc, nil)
	assert.True(t, err != nil)
}

func TestCodecChain(t *testing.T) {
	t.Parallel()
	ec := EncryptingCodec{}.Init([]byte("assword"), []byte("alt"), 123)
	c := CodecChain{}.Init(ec, &CompressingCodec{})
	data := bytes.Repeat([]byte("1234567890"), 100)
	ad := []byte("ad")
	testCodecRoundtrip(t, c, data, ad)

	// compression happens under the encryption layer
	enc, err := c.EncodeBytes(data, ad)
	assert.Nil(t, err)
	assert.True(t, len(enc) < len(data))
}
