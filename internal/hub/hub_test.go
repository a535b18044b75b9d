package hub

import "testing"

type testCloser struct {
	closed int
}

func (c *testCloser) Close() error {
	c.closed++
	return nil
}

func TestHub_RegisterCountUnregister(t *testing.T) {
	h := New()
	c1 := &Connection{SessionID: "s", Conn: &testCloser{}}
	c2 := &Connection{SessionID: "s", Conn: &testCloser{}}

	h.Register(c1)
	h.Register(c2)
	if got := h.Count("s"); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	h.Unregister(c1)
	h.Unregister(c1)
	if got := h.Count("s"); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
}

func TestHub_CloseSession(t *testing.T) {
	h := New()
	w1 := &testCloser{}
	w2 := &testCloser{}
	other := &testCloser{}
	h.Register(&Connection{SessionID: "s", Conn: w1})
	h.Register(&Connection{SessionID: "s", Conn: w2})
	h.Register(&Connection{SessionID: "t", Conn: other})

	if n := h.CloseSession("s"); n != 2 {
		t.Fatalf("expected 2 closed, got %d", n)
	}
	if w1.closed != 1 || w2.closed != 1 {
		t.Fatalf("expected both closed once, got %d/%d", w1.closed, w2.closed)
	}
	if other.closed != 0 || h.Count("t") != 1 {
		t.Fatalf("other session must be untouched")
	}
	if n := h.CloseSession("s"); n != 0 {
		t.Fatalf("expected nothing left, got %d", n)
	}
}
