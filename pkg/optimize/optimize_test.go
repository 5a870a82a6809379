package optimize

import (
	"testing"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1024)

	buf := pool.Get()
	if len(buf) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(buf))
	}

	pool.Put(buf)

	buf2 := pool.Get()
	if len(buf2) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(buf2))
	}
}

func TestBytePoolRejectsUndersizedBuffer(t *testing.T) {
	pool := NewBytePool(1024)
	pool.Put(make([]byte, 16))

	buf := pool.Get()
	if len(buf) != 1024 {
		t.Errorf("expected a freshly allocated buffer of size 1024, got %d", len(buf))
	}
}
