/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr  1 12:05:21 2019 mstenber
 * Last modified: Tue Apr 23 09:44:10 2019 mstenber
 * Edit time:     31 min
 *
 */

package util

import (
	"log"
	"sync"
	"sync/atomic"
)

// MutexLocked is a mutex with convenience features: just
// defer x.Locked()(). It also supports TryLock and (cheap,
// conservative) lock assertions.
type MutexLocked struct {
	mut  sync.Mutex
	held int32
}

func (self *MutexLocked) Lock() {
	self.mut.Lock()
	atomic.StoreInt32(&self.held, 1)
}

func (self *MutexLocked) Unlock() {
	atomic.StoreInt32(&self.held, 0)
	self.mut.Unlock()
}

// TryLock acquires the lock if it is free, without blocking.
func (self *MutexLocked) TryLock() bool {
	if !self.mut.TryLock() {
		return false
	}
	atomic.StoreInt32(&self.held, 1)
	return true
}

func (self *MutexLocked) Locked() (unlock func()) {
	self.Lock()
	return func() {
		self.Unlock()
	}
}

// AssertLocked panics if the lock is not held by anyone. It cannot
// tell who holds it, so it catches only the blatant cases.
func (self *MutexLocked) AssertLocked() {
	if atomic.LoadInt32(&self.held) == 0 {
		log.Panic("AssertLocked failed")
	}
}

// IsLocked tells if the lock is currently held (by anyone).
func (self *MutexLocked) IsLocked() bool {
	return atomic.LoadInt32(&self.held) != 0
}
