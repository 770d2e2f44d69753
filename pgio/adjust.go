/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Apr  4 11:02:43 2019 mstenber
 * Last modified: Sat Apr 27 14:05:21 2019 mstenber
 * Edit time:     57 min
 *
 */

package pgio

import "github.com/fingon/go-pgio/pagecache"

// adjustReadRange narrows a read of [pos, pos+length) down to what
// actually needs I/O within the page: leading and trailing blocks
// that are already uptodate are skipped, and the range never extends
// past the block containing EOF. Returned off is relative to the
// page; count 0 means nothing to read.
//
// Only whole runs are trimmed from the ends; an uptodate block in
// the middle still gets re-read, one range per page is all the read
// path tracks.
func (self *Inode) adjustReadRange(p *pagecache.Page, info *pageInfo, pos, length int64) (off, count int64) {
	off = pos - p.Offset
	count = length
	if count > int64(self.PageSize())-off {
		count = int64(self.PageSize()) - off
	}
	origOff := off

	if info != nil && info.uptodate != nil {
		first := off >> self.BlockBits
		last := (off + count - 1) >> self.BlockBits

		info.lock.Lock()
		// skip uptodate blocks at the front
		for first <= last && info.uptodate.Test(int(first)) {
			first++
		}
		if first > last {
			info.lock.Unlock()
			return 0, 0
		}
		// and at the back
		for last > first && info.uptodate.Test(int(last)) {
			last--
		}
		info.lock.Unlock()

		off = first << self.BlockBits
		count = (last+1)<<self.BlockBits - off
		// do not grow past the original end
		if end := origOff + length; off+count > end && end > off {
			count = end - off
		}
	}

	// a range straddling EOF stops at the block containing it;
	// ranges fully beyond EOF are the caller's problem (extending
	// writes zero them via hole extents)
	isize := self.Size()
	if abs := p.Offset + off; abs < isize && abs+count > isize {
		end := self.blockAligned(isize-1) + int64(self.BlockSize())
		if abs+count > end {
			count = end - abs
		}
	}
	return off, count
}
