package sink

import (
	"bytes"
	"errors"
	"testing"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("boom") }

func TestMultiSinkFansOutToEverySub(t *testing.T) {
	var a, b bytes.Buffer
	m := New(nil, &a, &b)

	n, err := m.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}
	if a.String() != "hello" || b.String() != "hello" {
		t.Fatalf("not all sinks received the write: a=%q b=%q", a.String(), b.String())
	}
}

func TestMultiSinkDetachesFailingSink(t *testing.T) {
	var good bytes.Buffer
	m := New(nil, failingWriter{}, &good)

	if _, err := m.Write([]byte("x")); err != nil {
		t.Fatalf("write should succeed while one sink remains: %v", err)
	}
	if good.String() != "x" {
		t.Fatalf("surviving sink missing data: %q", good.String())
	}

	// The failing sink should have been detached: only the good sink is
	// left in subs.
	m.mu.Lock()
	n := len(m.subs)
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected failing sink to be detached, got %d subs", n)
	}
}

func TestMultiSinkAllSinksFailingReturnsError(t *testing.T) {
	m := New(nil, failingWriter{})
	if _, err := m.Write([]byte("x")); err == nil {
		t.Fatalf("expected error when every sink fails")
	}
}

func TestMultiSinkAttachDetach(t *testing.T) {
	var a bytes.Buffer
	m := New(nil)
	m.Attach(&a)
	if _, err := m.Write([]byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if a.String() != "y" {
		t.Fatalf("attached sink missing data: %q", a.String())
	}
	m.Detach(&a)
	m.mu.Lock()
	n := len(m.subs)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected 0 subs after detach, got %d", n)
	}
}
