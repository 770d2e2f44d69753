/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr  1 12:19:02 2019 mstenber
 * Last modified: Mon Apr  8 16:31:44 2019 mstenber
 * Edit time:     9 min
 *
 */

package util

import "sync/atomic"

type AtomicInt int64

func (self *AtomicInt) Get() int64 {
	i := (*int64)(self)
	return atomic.LoadInt64(i)
}

func (self *AtomicInt) GetInt() int {
	return int(self.Get())
}

// Add adds value and returns the new total.
func (self *AtomicInt) Add(value int64) int64 {
	i := (*int64)(self)
	return atomic.AddInt64(i, value)
}

func (self *AtomicInt) AddInt(value int) int64 {
	return self.Add(int64(value))
}

// Sub subtracts value and returns the new total.
func (self *AtomicInt) Sub(value int64) int64 {
	return self.Add(-value)
}

func (self *AtomicInt) Set(value int64) {
	i := (*int64)(self)
	atomic.StoreInt64(i, value)
}
