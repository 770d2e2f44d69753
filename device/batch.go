/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 11:31:09 2019 mstenber
 * Last modified: Fri Apr 26 12:14:58 2019 mstenber
 * Edit time:     52 min
 *
 */

package device

import "fmt"

type BatchOp int

const (
	BatchRead BatchOp = iota
	BatchWrite
	BatchFlush
)

func (self BatchOp) String() string {
	switch self {
	case BatchRead:
		return "BatchRead"
	case BatchWrite:
		return "BatchWrite"
	case BatchFlush:
		return "BatchFlush"
	default:
		return fmt.Sprintf("%d", int(self))
	}
}

// How many sectors a single batch may carry at most.
const BatchMaxSectors = 256

// Batch
//
// One device operation covering a contiguous run of sectors. Sectors
// is one buffer per sector, in address order starting at Addr. Done,
// if set, is called exactly once when the batch has been processed;
// it may run on a device worker goroutine.
type Batch struct {
	Op      BatchOp
	Addr    int64
	Sectors [][]byte
	Done    func(err error)

	limit int
	pool  *BatchPool
}

func NewBatch(op BatchOp) *Batch {
	return &Batch{Op: op, limit: BatchMaxSectors}
}

// EndAddr returns the address just past the batch.
func (self *Batch) EndAddr() int64 {
	return self.Addr + int64(len(self.Sectors))
}

// TryAdd appends one sector to the batch, if it is contiguous with
// the batch content so far and the batch is not full.
func (self *Batch) TryAdd(addr int64, data []byte) bool {
	if len(self.Sectors) >= self.limit {
		return false
	}
	if len(self.Sectors) == 0 {
		self.Addr = addr
	} else if addr != self.EndAddr() {
		return false
	}
	self.Sectors = append(self.Sectors, data)
	return true
}

// BatchPool
//
// Fixed-size pool of reusable batches. When the pool runs dry, Get
// degrades to handing out single-sector batches that are not pooled,
// so forward progress never depends on batches being returned.
type BatchPool struct {
	free chan *Batch
}

func NewBatchPool(n int) *BatchPool {
	self := &BatchPool{free: make(chan *Batch, n)}
	for i := 0; i < n; i++ {
		b := NewBatch(BatchRead)
		b.pool = self
		self.free <- b
	}
	return self
}

func (self *BatchPool) Get(op BatchOp) *Batch {
	select {
	case b := <-self.free:
		b.Op = op
		b.Addr = 0
		b.Sectors = b.Sectors[:0]
		b.Done = nil
		b.limit = BatchMaxSectors
		return b
	default:
		b := NewBatch(op)
		b.limit = 1
		return b
	}
}

func (self *BatchPool) Put(b *Batch) {
	if b.pool != self {
		return
	}
	self.free <- b
}
