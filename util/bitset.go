/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 09:12:55 2019 mstenber
 * Last modified: Wed Apr 24 10:08:31 2019 mstenber
 * Edit time:     42 min
 *
 */

package util

import "math/bits"

const bitsPerWord = 64

// Bitset is a fixed-size set of bits. The zero value is not useful;
// use NewBitset. Access is not synchronized; callers that share a
// Bitset must bring their own lock.
type Bitset struct {
	n     int
	words []uint64
}

func NewBitset(n int) *Bitset {
	return &Bitset{n: n,
		words: make([]uint64, (n+bitsPerWord-1)/bitsPerWord)}
}

// Len returns the number of bits in the set.
func (self *Bitset) Len() int {
	return self.n
}

func (self *Bitset) Test(i int) bool {
	return self.words[i/bitsPerWord]&(1<<(uint(i)%bitsPerWord)) != 0
}

func (self *Bitset) Set(i int) {
	self.words[i/bitsPerWord] |= 1 << (uint(i) % bitsPerWord)
}

func (self *Bitset) Clear(i int) {
	self.words[i/bitsPerWord] &^= 1 << (uint(i) % bitsPerWord)
}

// SetRange sets bits [first, last] inclusive.
func (self *Bitset) SetRange(first, last int) {
	for i := first; i <= last; i++ {
		self.Set(i)
	}
}

// TestRange tells if every bit in [first, last] inclusive is set.
func (self *Bitset) TestRange(first, last int) bool {
	for i := first; i <= last; i++ {
		if !self.Test(i) {
			return false
		}
	}
	return true
}

// Full tells if all bits are set.
func (self *Bitset) Full() bool {
	return self.Count() == self.n
}

// Empty tells if no bits are set.
func (self *Bitset) Empty() bool {
	return self.Count() == 0
}

// Count returns the number of set bits.
func (self *Bitset) Count() int {
	c := 0
	for _, w := range self.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// Fill sets all bits.
func (self *Bitset) Fill() {
	self.SetRange(0, self.n-1)
}

// Reset clears all bits.
func (self *Bitset) Reset() {
	for i := range self.words {
		self.words[i] = 0
	}
}
