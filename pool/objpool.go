// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import "sync"

// ObjectPool hands out reusable values.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool is a typed sync.Pool. Values returned through Put pass the
// optional accept filter and are reset before they are pooled again.
type SyncPool[T any] struct {
	pool   sync.Pool
	accept func(T) bool
	reset  func(T) T
}

// PoolOption configures a SyncPool.
type PoolOption[T any] func(*SyncPool[T])

// WithAccept drops values for which fn reports false instead of pooling them.
func WithAccept[T any](fn func(T) bool) PoolOption[T] {
	return func(sp *SyncPool[T]) { sp.accept = fn }
}

// WithReset normalizes a value before it re-enters the pool.
func WithReset[T any](fn func(T) T) PoolOption[T] {
	return func(sp *SyncPool[T]) { sp.reset = fn }
}

// NewSyncPool creates a pool that allocates with creator.
func NewSyncPool[T any](creator func() T, opts ...PoolOption[T]) *SyncPool[T] {
	sp := &SyncPool[T]{}
	sp.pool.New = func() any { return creator() }
	for _, opt := range opts {
		opt(sp)
	}
	return sp
}

func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

// Put returns obj to the pool unless the accept filter rejects it.
func (sp *SyncPool[T]) Put(obj T) {
	if sp.accept != nil && !sp.accept(obj) {
		return
	}
	if sp.reset != nil {
		obj = sp.reset(obj)
	}
	sp.pool.Put(obj)
}
