/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr  1 12:33:41 2019 mstenber
 * Last modified: Mon Apr  1 12:40:19 2019 mstenber
 * Edit time:     7 min
 *
 */

package util

import (
	"testing"

	"github.com/stvp/assert"
)

func TestMutexLocked(t *testing.T) {
	t.Parallel()
	var l MutexLocked
	assert.False(t, l.IsLocked())
	unlock := l.Locked()
	assert.True(t, l.IsLocked())
	l.AssertLocked()
	assert.False(t, l.TryLock())
	unlock()
	assert.False(t, l.IsLocked())
	assert.True(t, l.TryLock())
	l.Unlock()
}

func TestAtomicInt(t *testing.T) {
	t.Parallel()
	var i AtomicInt
	assert.Equal(t, i.Add(7), int64(7))
	assert.Equal(t, i.Sub(3), int64(4))
	assert.Equal(t, i.GetInt(), 4)
	i.Set(0)
	assert.Equal(t, i.Get(), int64(0))
}
