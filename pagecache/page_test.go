/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Apr  3 12:15:32 2019 mstenber
 * Last modified: Sat Apr 27 11:31:09 2019 mstenber
 * Edit time:     58 min
 *
 */

package pagecache

import (
	"errors"
	"testing"
	"time"

	"github.com/stvp/assert"
)

func TestPageStateMachine(t *testing.T) {
	t.Parallel()
	m := Mapping{}.Init()
	p := m.GetPage(0, true)
	assert.Equal(t, p.State(), PageClean)
	assert.False(t, p.IsUptodate())

	p.SetUptodate()
	p.MarkDirty()
	assert.Equal(t, p.State(), PageDirty)
	// re-dirtying is fine
	p.MarkDirty()

	p.StartWriteback()
	assert.Equal(t, p.State(), PageWriteback)
	p.EndWriteback()
	assert.Equal(t, p.State(), PageClean)

	p.MarkDirty()
	p.CancelDirty()
	assert.Equal(t, p.State(), PageClean)
	p.Unlock()
	p.Release()
}

func TestPageErrorFlag(t *testing.T) {
	t.Parallel()
	m := Mapping{}.Init()
	p := m.GetPage(0, true)
	defer p.Release()
	defer p.Unlock()

	p.SetUptodate()
	// a failed read takes uptodate down with it
	p.SetErrored()
	assert.True(t, p.IsErrored())
	assert.False(t, p.IsUptodate())

	p.ClearErrored()
	assert.False(t, p.IsErrored())
	assert.False(t, p.IsUptodate())

	p.SetUptodate()
	p.ClearUptodate()
	assert.False(t, p.IsUptodate())
}

func TestPageBadTransitionPanics(t *testing.T) {
	t.Parallel()
	m := Mapping{}.Init()
	p := m.GetPage(0, true)
	p.SetUptodate()
	p.MarkDirty()
	p.StartWriteback()
	defer p.Unlock()
	defer func() {
		assert.True(t, recover() != nil)
	}()
	// dirtying a page on its way to the device is a programming
	// error; GetStablePage exists so this can never happen
	p.MarkDirty()
}

func TestGetStablePageWaitsWriteback(t *testing.T) {
	t.Parallel()
	m := Mapping{}.Init()
	p := m.GetPage(0, true)
	p.SetUptodate()
	p.MarkDirty()
	p.StartWriteback()
	p.Unlock()
	p.Release()

	done := make(chan *Page)
	go func() {
		done <- m.GetStablePage(0)
	}()
	select {
	case <-done:
		t.Fatal("acquired page under writeback")
	case <-time.After(10 * time.Millisecond):
	}
	p.EndWriteback()
	sp := <-done
	assert.Equal(t, sp.State(), PageClean)
	sp.Unlock()
	sp.Release()
}

func TestCollectDirtySorted(t *testing.T) {
	t.Parallel()
	m := Mapping{}.Init()
	ps := m.PageSize()
	for _, i := range []int{3, 0, 2} {
		p := m.GetPage(int64(i*ps), true)
		p.SetUptodate()
		p.MarkDirty()
		p.Unlock()
		p.Release()
	}
	// clean page in between should not show up
	p := m.GetPage(int64(ps), true)
	p.Unlock()
	p.Release()

	dirty := m.CollectDirty(0, -1)
	assert.Equal(t, len(dirty), 3)
	assert.Equal(t, dirty[0].Offset, int64(0))
	assert.Equal(t, dirty[1].Offset, int64(2*ps))
	assert.Equal(t, dirty[2].Offset, int64(3*ps))
	for _, p := range dirty {
		p.Release()
	}

	dirty = m.CollectDirty(int64(2*ps), int64(3*ps))
	assert.Equal(t, len(dirty), 1)
	assert.Equal(t, dirty[0].Offset, int64(2*ps))
	dirty[0].Release()
}

func TestInvalidateRange(t *testing.T) {
	t.Parallel()
	released := 0
	m := Mapping{ReleasePage: func(p *Page) bool {
		released++
		return true
	}}.Init()
	ps := m.PageSize()
	for i := 0; i < 3; i++ {
		p := m.GetPage(int64(i*ps), true)
		p.SetUptodate()
		p.MarkDirty()
		p.Unlock()
		p.Release()
	}
	// drops page 1 only; 0 and 2 are outside / partial
	m.InvalidateRange(int64(ps), int64(2*ps))
	assert.Equal(t, m.NrPages(), 2)
	assert.Equal(t, released, 1)
	assert.Equal(t, len(m.CollectDirty(0, -1)), 2)
}

func TestMappingTrim(t *testing.T) {
	t.Parallel()
	m := Mapping{CachePages: 2}.Init()
	ps := m.PageSize()
	dirty := m.GetPage(0, true)
	dirty.SetUptodate()
	dirty.MarkDirty()
	dirty.Unlock()
	dirty.Release()
	for i := 1; i < 5; i++ {
		p := m.GetPage(int64(i*ps), true)
		p.Unlock()
		p.Release()
	}
	// dirty page survives trimming no matter how old it is
	assert.True(t, m.NrPages() <= 3)
	assert.Equal(t, len(m.CollectDirty(0, -1)), 1)
}

func TestMappingErrorLatch(t *testing.T) {
	t.Parallel()
	m := Mapping{}.Init()
	e1 := errors.New("e1")
	e2 := errors.New("e2")
	m.SetError(e1)
	// first error wins
	m.SetError(e2)
	assert.Equal(t, m.TakeError(), e1)
	// and taking clears
	assert.Nil(t, m.TakeError())
}

func TestMigratePage(t *testing.T) {
	t.Parallel()
	m := Mapping{}.Init()
	p := m.GetPage(0, true)
	p.SetUptodate()
	copy(p.Data, "hello")
	p.SetPrivate("priv")
	p.Unlock()

	np := m.MigratePage(p)
	assert.True(t, np != p)
	assert.Equal(t, string(np.Data[:5]), "hello")
	assert.True(t, np.IsUptodate())
	assert.Equal(t, np.Private().(string), "priv")
	assert.Nil(t, p.Private())
	np.Release()
}
