/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Apr  2 11:48:33 2019 mstenber
 * Last modified: Fri Apr 26 12:30:02 2019 mstenber
 * Edit time:     67 min
 *
 */

// device wraps a sector Backend in an asynchronous submission
// API. Batches of contiguous sectors go in via a job channel, a small
// set of workers drives the backend, and completion callbacks come
// back out. The rest of the system never touches a backend directly.
package device

import (
	"log"
	"sync"

	"github.com/fingon/go-pgio/mlog"
	"github.com/fingon/go-pgio/util"
)

const DefaultWorkers = 4

// Device
//
// Asynchronous frontend for a Backend. Submit hands a batch to the
// workers; the batch's Done callback fires when it has hit the
// backend. Batches for disjoint sector ranges may complete in any
// order.
type Device struct {
	Backend Backend

	jobChannel chan *Batch
	workers    sync.WaitGroup

	readsDone, writesDone util.AtomicInt
}

func NewDevice(backend Backend, workers int) *Device {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	self := &Device{Backend: backend,
		jobChannel: make(chan *Batch, 2*workers)}
	for i := 0; i < workers; i++ {
		self.workers.Add(1)
		go self.run()
	}
	return self
}

func (self *Device) run() {
	defer self.workers.Done()
	for b := range self.jobChannel {
		mlog.Printf2("device/device", "dev.run %v @%v n:%v",
			b.Op, b.Addr, len(b.Sectors))
		self.process(b)
	}
}

func (self *Device) process(b *Batch) {
	var err error
	switch b.Op {
	case BatchRead:
		for i, buf := range b.Sectors {
			var data []byte
			data, err = self.Backend.ReadSector(b.Addr + int64(i))
			if err != nil {
				break
			}
			if data == nil {
				// never-written sector reads as zeroes
				for j := range buf {
					buf[j] = 0
				}
				continue
			}
			copy(buf, data)
		}
		self.readsDone.Add(int64(len(b.Sectors)))
	case BatchWrite:
		for i, buf := range b.Sectors {
			err = self.Backend.WriteSector(b.Addr+int64(i), buf)
			if err != nil {
				break
			}
		}
		self.writesDone.Add(int64(len(b.Sectors)))
	case BatchFlush:
		err = self.Backend.Flush()
	default:
		log.Panicf("unknown batch op: %v", b.Op)
	}
	if b.Done != nil {
		b.Done(err)
	}
}

// Submit queues the batch. The batch must not be touched again until
// its Done callback has fired.
func (self *Device) Submit(b *Batch) {
	self.jobChannel <- b
}

// SubmitWait queues the batch and waits for it to complete.
func (self *Device) SubmitWait(b *Batch) error {
	done := make(chan error, 1)
	prev := b.Done
	b.Done = func(err error) {
		if prev != nil {
			prev(err)
		}
		done <- err
	}
	self.Submit(b)
	return <-done
}

// Flush makes everything submitted so far durable. Note that batches
// still in the job channel when Flush is called may land after the
// flush; quiesce first if that matters.
func (self *Device) Flush() error {
	return self.SubmitWait(NewBatch(BatchFlush))
}

// Close stops the workers and closes the backend. Outstanding batches
// are processed first.
func (self *Device) Close() {
	close(self.jobChannel)
	self.workers.Wait()
	self.Backend.Close()
}

func (self *Device) ReadsDone() int64 {
	return self.readsDone.Get()
}

func (self *Device) WritesDone() int64 {
	return self.writesDone.Get()
}
