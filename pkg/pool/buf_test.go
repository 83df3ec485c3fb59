package pool

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadAll(t *testing.T) {
	b, err := ReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(b) != "hello" {
		t.Fatalf("got %q %v", b, err)
	}

	_, err = ReadAll(strings.NewReader("hello!"), 5)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("want ErrLimitExceeded, got %v", err)
	}

	big := bytes.Repeat([]byte{'a'}, 64*1024)
	b, err = ReadAll(bytes.NewReader(big), 0)
	if err != nil || len(b) != len(big) {
		t.Fatalf("unlimited read failed: %d %v", len(b), err)
	}
}

func TestGetBuf(t *testing.T) {
	buf := GetBuf(16)
	if len(buf.Bytes()) != 16 {
		t.Fatalf("want 16 bytes, got %d", len(buf.Bytes()))
	}
	if len(buf.AllBytes()) < 16 {
		t.Fatal("backing array too small")
	}
	buf.Release()
}
