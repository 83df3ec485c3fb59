package pool

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrLimitExceeded is returned by ReadAll when the reader holds more than
// the limit.
var ErrLimitExceeded = errors.New("read limit exceeded")

const maxPooledBufCap = 1 << 20

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// Buffer is a pooled byte slice. Release must be called exactly once.
type Buffer struct {
	b *bytes.Buffer
	n int
}

// GetBuf returns a Buffer whose Bytes() has length n.
func GetBuf(n int) *Buffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	b.Grow(n)
	return &Buffer{b: b, n: n}
}

func (b *Buffer) Bytes() []byte {
	return b.b.Bytes()[:b.n:b.n]
}

// AllBytes returns the whole backing array.
func (b *Buffer) AllBytes() []byte {
	buf := b.b.Bytes()
	return buf[:cap(buf)]
}

func (b *Buffer) Release() {
	putBuf(b.b)
	b.b = nil
}

func putBuf(b *bytes.Buffer) {
	if b.Cap() > maxPooledBufCap {
		return
	}
	bufPool.Put(b)
}

// ReadAll reads r to EOF through a pooled buffer and returns an owned copy.
// If limit > 0 and r holds more than limit bytes, ErrLimitExceeded is returned.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer putBuf(b)

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	if _, err := b.ReadFrom(src); err != nil {
		return nil, err
	}
	if limit > 0 && int64(b.Len()) > limit {
		return nil, ErrLimitExceeded
	}
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	return out, nil
}
