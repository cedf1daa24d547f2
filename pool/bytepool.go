// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

// DefaultBufferSize is the receive buffer size used when none is configured.
const DefaultBufferSize = 4096

// BytePool recycles fixed-size byte slices.
type BytePool struct {
	bufs *SyncPool[*[]byte]
	size int
}

var _ ObjectPool[[]byte] = (*BytePool)(nil)

// NewBytePool creates a pool of size-byte buffers; size <= 0 selects
// DefaultBufferSize.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BytePool{
		bufs: NewSyncPool(
			func() *[]byte {
				b := make([]byte, size)
				return &b
			},
			WithAccept(func(b *[]byte) bool { return cap(*b) == size }),
			WithReset(func(b *[]byte) *[]byte {
				*b = (*b)[:size]
				return b
			}),
		),
		size: size,
	}
}

// Size returns the length of every buffer handed out.
func (b *BytePool) Size() int {
	return b.size
}

// Get returns a buffer of Size bytes. Its contents are unspecified.
func (b *BytePool) Get() []byte {
	return *b.bufs.Get()
}

// Put recycles buf. Buffers not obtained from this pool are dropped.
func (b *BytePool) Put(buf []byte) {
	b.bufs.Put(&buf)
}
