package store

import (
	"errors"
	"sync"

	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/kvstore"
	"github.com/mickelfeng/ep-engine/lib/kvstore/mem"
)

// fakeBackend wraps the in-memory backend with call recording and failure injection.
type fakeBackend struct {
	*mem.Store

	mu           sync.Mutex
	failSets     bool
	failDels     bool
	commitFails  int
	sets         []string
	dels         []string
	resets       int
	begins       int
	commits      int
	openTxn      bool
	nestedBegins int

	// onSet runs before the set callback, outside of any store lock
	onSet func(it *item.Item)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{Store: mem.New()}
}

var _ kvstore.KVStore = (*fakeBackend)(nil)

func (f *fakeBackend) Begin() {
	f.mu.Lock()
	f.begins++
	if f.openTxn {
		f.nestedBegins++
	}
	f.openTxn = true
	f.mu.Unlock()
	f.Store.Begin()
}

func (f *fakeBackend) Set(it *item.Item, cb kvstore.SetCallback) {
	f.mu.Lock()
	f.sets = append(f.sets, it.Key)
	fail := f.failSets
	hook := f.onSet
	f.mu.Unlock()
	if hook != nil {
		hook(it)
	}
	if fail {
		cb(false, 0)
		return
	}
	f.Store.Set(it, cb)
}

func (f *fakeBackend) Del(key string, vb uint16, cb kvstore.DelCallback) {
	f.mu.Lock()
	f.dels = append(f.dels, key)
	fail := f.failDels
	f.mu.Unlock()
	if fail {
		cb(false)
		return
	}
	f.Store.Del(key, vb, cb)
}

func (f *fakeBackend) Commit() error {
	f.mu.Lock()
	if f.commitFails > 0 {
		f.commitFails--
		f.mu.Unlock()
		return errors.New("injected commit failure")
	}
	f.commits++
	f.openTxn = false
	f.mu.Unlock()
	return f.Store.Commit()
}

func (f *fakeBackend) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	f.Store.Reset()
}

func (f *fakeBackend) setFailSets(v bool) {
	f.mu.Lock()
	f.failSets = v
	f.mu.Unlock()
}

func (f *fakeBackend) setFailDels(v bool) {
	f.mu.Lock()
	f.failDels = v
	f.mu.Unlock()
}

func (f *fakeBackend) failCommits(n int) {
	f.mu.Lock()
	f.commitFails = n
	f.mu.Unlock()
}

func (f *fakeBackend) calls() (sets, dels []string, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sets...), append([]string(nil), f.dels...), f.resets
}

func (f *fakeBackend) persisted(key string, vb uint16) (*item.Item, bool) {
	var (
		got *item.Item
		ok  bool
	)
	f.Store.Get(key, vb, func(it *item.Item, err error) {
		got, ok = it, err == nil
	})
	return got, ok
}
