package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"instapc-server/internal/clock"
	"instapc-server/internal/hub"
	"instapc-server/internal/model"
)

type fakeController struct {
	mu      sync.Mutex
	starts  int
	stops   chan string
	startFn func() error
}

func newFakeController() *fakeController {
	return &fakeController{stops: make(chan string, 16)}
}

func (f *fakeController) StartVM(context.Context, model.VM) error {
	f.mu.Lock()
	f.starts++
	fn := f.startFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (f *fakeController) StopVM(_ context.Context, vm model.VM) error {
	f.stops <- vm.ID
	return nil
}

type closer struct {
	mu     sync.Mutex
	closed bool
}

func (c *closer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *closer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var testVM = model.VM{ID: "vm1", Owner: "alice", OS: "windows-11"}

func newTestManager(t *testing.T) (*Manager, *fakeController, *clock.FakeClock, *hub.Hub) {
	t.Helper()
	ctrl := newFakeController()
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	h := hub.New()
	m := NewManager(Options{
		Controller:  ctrl,
		Clock:       clk,
		Hub:         h,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		IdleTimeout: time.Minute,
	})
	return m, ctrl, clk, h
}

func expectNoStop(t *testing.T, ctrl *fakeController) {
	t.Helper()
	select {
	case id := <-ctrl.stops:
		t.Fatalf("unexpected stop of %s", id)
	case <-time.After(20 * time.Millisecond):
	}
}

func expectStop(t *testing.T, ctrl *fakeController, vmID string) {
	t.Helper()
	select {
	case id := <-ctrl.stops:
		if id != vmID {
			t.Fatalf("stopped %s, want %s", id, vmID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected stop of %s", vmID)
	}
}

func TestConnectCreatesSession(t *testing.T) {
	m, ctrl, _, _ := newTestManager(t)

	s, err := m.Connect(context.Background(), testVM, "alice")
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if s.ID == "" || s.ID == testVM.ID {
		t.Fatalf("session id %q must be opaque", s.ID)
	}
	if s.VM != "vm1" || s.User != "alice" || s.TunnelTarget != "vm-vm1:8006" {
		t.Fatalf("unexpected session %+v", s)
	}
	if ctrl.starts != 1 {
		t.Fatalf("starts = %d, want 1", ctrl.starts)
	}
	if got, ok := m.Lookup(s.ID); !ok || got.ID != s.ID {
		t.Fatalf("Lookup failed")
	}
}

func TestConnectTwiceReturnsSameSession(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := m.Connect(ctx, testVM, "alice")
	b, _ := m.Connect(ctx, testVM, "alice")
	if a.ID != b.ID {
		t.Fatalf("ids differ: %s vs %s", a.ID, b.ID)
	}
	c, _ := m.Connect(ctx, testVM, "bob")
	if c.ID == a.ID {
		t.Fatalf("different users must not share a session")
	}
}

func TestConcurrentConnectUnique(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	ids := make(chan string, 32)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Connect(context.Background(), testVM, "alice")
			if err != nil {
				t.Errorf("Connect error: %v", err)
				return
			}
			ids <- s.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("got %d distinct sessions, want 1", len(seen))
	}
	if n := len(m.Sessions(testVM.ID)); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}
}

func TestConnectStartFailure(t *testing.T) {
	m, ctrl, _, _ := newTestManager(t)
	boom := errors.New("boom")
	ctrl.startFn = func() error { return boom }

	if _, err := m.Connect(context.Background(), testVM, "alice"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(m.Sessions(testVM.ID)) != 0 {
		t.Fatalf("no session should be created")
	}
}

func TestIdleSessionIsReaped(t *testing.T) {
	m, ctrl, clk, _ := newTestManager(t)

	s, _ := m.Connect(context.Background(), testVM, "alice")
	detach, err := m.Attach(s.ID, &closer{})
	if err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	detach()

	got, _ := m.Lookup(s.ID)
	if got.IdleDeadline == nil || !got.IdleDeadline.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("idle deadline = %v", got.IdleDeadline)
	}

	clk.Advance(59 * time.Second)
	if _, ok := m.Lookup(s.ID); !ok {
		t.Fatalf("session reaped too early")
	}
	clk.Advance(time.Second)
	if _, ok := m.Lookup(s.ID); ok {
		t.Fatalf("session should be reaped")
	}
	expectStop(t, ctrl, testVM.ID)
}

func TestReattachCancelsReap(t *testing.T) {
	m, ctrl, clk, _ := newTestManager(t)

	s, _ := m.Connect(context.Background(), testVM, "alice")
	detach, _ := m.Attach(s.ID, &closer{})
	detach()
	clk.Advance(30 * time.Second)

	detach2, err := m.Attach(s.ID, &closer{})
	if err != nil {
		t.Fatalf("re-attach error: %v", err)
	}
	if got, _ := m.Lookup(s.ID); got.IdleDeadline != nil || got.Attached != 1 {
		t.Fatalf("unexpected session after attach %+v", got)
	}
	clk.Advance(5 * time.Minute)
	if _, ok := m.Lookup(s.ID); !ok {
		t.Fatalf("attached session must not be reaped")
	}
	expectNoStop(t, ctrl)

	detach2()
	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want exactly 1", clk.Pending())
	}
	clk.Advance(time.Minute)
	expectStop(t, ctrl, testVM.ID)
	expectNoStop(t, ctrl)
}

func TestConnectCancelsReap(t *testing.T) {
	m, ctrl, clk, _ := newTestManager(t)

	s, _ := m.Connect(context.Background(), testVM, "alice")
	detach, _ := m.Attach(s.ID, &closer{})
	detach()

	again, _ := m.Connect(context.Background(), testVM, "alice")
	if again.IdleDeadline != nil {
		t.Fatalf("connect should clear the idle deadline")
	}
	clk.Advance(2 * time.Minute)
	if _, ok := m.Lookup(s.ID); !ok {
		t.Fatalf("session should survive")
	}
	expectNoStop(t, ctrl)
}

func TestReapCannotFireDuringConnectStart(t *testing.T) {
	m, ctrl, clk, _ := newTestManager(t)

	s, _ := m.Connect(context.Background(), testVM, "alice")
	detach, _ := m.Attach(s.ID, &closer{})
	detach()

	ctrl.startFn = func() error {
		clk.Advance(2 * time.Minute)
		return nil
	}
	again, err := m.Connect(context.Background(), testVM, "alice")
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if again.ID != s.ID {
		t.Fatalf("session id = %s, want %s", again.ID, s.ID)
	}
	if _, ok := m.Lookup(s.ID); !ok {
		t.Fatalf("session was reaped while its vm was starting")
	}
	expectNoStop(t, ctrl)
}

func TestConnectStartFailureRearmsReap(t *testing.T) {
	m, ctrl, clk, _ := newTestManager(t)

	s, _ := m.Connect(context.Background(), testVM, "alice")
	detach, _ := m.Attach(s.ID, &closer{})
	detach()

	ctrl.startFn = func() error { return errors.New("boom") }
	if _, err := m.Connect(context.Background(), testVM, "alice"); err == nil {
		t.Fatalf("expected start failure")
	}
	if got, _ := m.Lookup(s.ID); got.IdleDeadline == nil {
		t.Fatalf("idle deadline should be armed again")
	}
	clk.Advance(time.Minute)
	if _, ok := m.Lookup(s.ID); ok {
		t.Fatalf("session should be reaped")
	}
	expectStop(t, ctrl, testVM.ID)
}

func TestDeadlineOnlyAfterLastDetach(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	s, _ := m.Connect(context.Background(), testVM, "alice")
	d1, _ := m.Attach(s.ID, &closer{})
	d2, _ := m.Attach(s.ID, &closer{})

	d1()
	d1()
	if got, _ := m.Lookup(s.ID); got.IdleDeadline != nil || got.Attached != 1 {
		t.Fatalf("unexpected session %+v", got)
	}
	d2()
	if got, _ := m.Lookup(s.ID); got.IdleDeadline == nil || got.Attached != 0 {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestTeardownClosesTunnelsAndCancelsTimers(t *testing.T) {
	m, ctrl, clk, h := newTestManager(t)

	alice, _ := m.Connect(context.Background(), testVM, "alice")
	bob, _ := m.Connect(context.Background(), testVM, "bob")
	live := &closer{}
	detach, _ := m.Attach(alice.ID, live)
	d, _ := m.Attach(bob.ID, &closer{})
	d()

	m.Teardown(testVM.ID)

	if !live.isClosed() {
		t.Fatalf("attached tunnel should be closed")
	}
	if h.Count(alice.ID) != 0 {
		t.Fatalf("hub should forget the session")
	}
	if len(m.Sessions(testVM.ID)) != 0 {
		t.Fatalf("sessions should be removed")
	}
	detach()
	clk.Advance(10 * time.Minute)
	expectNoStop(t, ctrl)

	if _, err := m.Attach(alice.ID, &closer{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("attach after teardown err = %v", err)
	}
}

func TestUpgradeTokenSingleUse(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s, _ := m.Connect(context.Background(), testVM, "alice")

	token, err := m.ExpectUpgrade(s.ID)
	if err != nil {
		t.Fatalf("ExpectUpgrade error: %v", err)
	}
	if !m.ClaimUpgrade(token, s.ID) {
		t.Fatalf("first claim should succeed")
	}
	if m.ClaimUpgrade(token, s.ID) {
		t.Fatalf("second claim must fail")
	}
}

func TestUpgradeTokenBoundToSession(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	alice, _ := m.Connect(context.Background(), testVM, "alice")
	bob, _ := m.Connect(context.Background(), testVM, "bob")

	token, _ := m.ExpectUpgrade(alice.ID)
	if m.ClaimUpgrade(token, bob.ID) {
		t.Fatalf("token claimed for the wrong session")
	}
	if m.ClaimUpgrade(token, alice.ID) {
		t.Fatalf("a rejected claim still consumes the token")
	}
}

func TestUpgradeTokenExpires(t *testing.T) {
	m, _, clk, _ := newTestManager(t)
	s, _ := m.Connect(context.Background(), testVM, "alice")

	token, _ := m.ExpectUpgrade(s.ID)
	clk.Advance(DefaultUpgradeTTL)
	if m.ClaimUpgrade(token, s.ID) {
		t.Fatalf("expired token should not be claimable")
	}
}

func TestUpgradeUnknownSession(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if _, err := m.ExpectUpgrade("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
	if m.ClaimUpgrade("nope", "nope") {
		t.Fatalf("unknown token claimed")
	}
}
