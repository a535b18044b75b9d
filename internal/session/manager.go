// Package session binds users to running VMs. A session carries the
// bearer id the display client presents to the tunnel router, the count
// of tunnels currently relaying for it and, while none are, the deadline
// after which the session is reaped and its VM stopped.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"instapc-server/internal/clock"
	"instapc-server/internal/hub"
	"instapc-server/internal/model"
	"instapc-server/internal/runtime"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultUpgradeTTL  = 30 * time.Second
)

var ErrSessionNotFound = fmt.Errorf("session: %w", errdefs.ErrNotFound)

// Controller is the part of the lifecycle controller sessions drive.
type Controller interface {
	StartVM(ctx context.Context, vm model.VM) error
	StopVM(ctx context.Context, vm model.VM) error
}

type Options struct {
	Controller  Controller
	Clock       clock.Clock
	Hub         *hub.Hub
	Logger      *slog.Logger
	IdleTimeout time.Duration
	// UpgradeTTL bounds how long a pending upgrade may wait to be claimed.
	UpgradeTTL time.Duration
	// TargetFor maps a VM id to the host:port of its display endpoint.
	TargetFor func(vmID string) string
	NewID     func() string
}

type Manager struct {
	ctrl        Controller
	clock       clock.Clock
	hub         *hub.Hub
	logger      *slog.Logger
	idleTimeout time.Duration
	upgradeTTL  time.Duration
	targetFor   func(string) string
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*entry
	byKey    map[key]string
	upgrades map[string]pendingUpgrade
}

type key struct {
	user string
	vm   string
}

type entry struct {
	session model.Session
	vm      model.VM
	timer   *clock.Timer
	// gen identifies the armed timer; a callback whose generation no
	// longer matches lost a race with attach or teardown.
	gen uint64
}

type pendingUpgrade struct {
	sessionID string
	expires   time.Time
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		ctrl:        opts.Controller,
		clock:       opts.Clock,
		hub:         opts.Hub,
		logger:      opts.Logger,
		idleTimeout: opts.IdleTimeout,
		upgradeTTL:  opts.UpgradeTTL,
		targetFor:   opts.TargetFor,
		newID:       opts.NewID,
		sessions:    make(map[string]*entry),
		byKey:       make(map[key]string),
		upgrades:    make(map[string]pendingUpgrade),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.hub == nil {
		m.hub = hub.New()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = DefaultIdleTimeout
	}
	if m.upgradeTTL <= 0 {
		m.upgradeTTL = DefaultUpgradeTTL
	}
	if m.targetFor == nil {
		m.targetFor = runtime.DisplayAddr
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

// Connect starts vm and returns the user's session for it, creating the
// session on first use. A pending reap is cancelled.
func (m *Manager) Connect(ctx context.Context, vm model.VM, user string) (model.Session, error) {
	k := key{user: user, vm: vm.ID}

	// The reap must not fire while the start is in flight.
	m.mu.Lock()
	idle := m.cancelPendingReapLocked(k)
	m.mu.Unlock()

	if err := m.ctrl.StartVM(ctx, vm); err != nil {
		if idle != nil {
			m.mu.Lock()
			if m.sessions[idle.session.ID] == idle && idle.session.Attached == 0 && idle.timer == nil {
				m.armIdleLocked(idle)
			}
			m.mu.Unlock()
		}
		return model.Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[k]; ok {
		e := m.sessions[id]
		m.cancelIdleLocked(e)
		return e.session, nil
	}

	e := &entry{
		session: model.Session{
			ID:           m.newID(),
			VM:           vm.ID,
			User:         user,
			TunnelTarget: m.targetFor(vm.ID),
		},
		vm: vm,
	}
	m.sessions[e.session.ID] = e
	m.byKey[k] = e.session.ID
	m.logger.Info("session created", "session", e.session.ID, "vm", vm.ID, "user", user)
	return e.session, nil
}

// cancelPendingReapLocked disarms the idle timer of the session for k and
// returns the entry, or nil if there was no armed timer.
func (m *Manager) cancelPendingReapLocked(k key) *entry {
	id, ok := m.byKey[k]
	if !ok {
		return nil
	}
	e := m.sessions[id]
	if e.timer == nil {
		return nil
	}
	m.cancelIdleLocked(e)
	return e
}

func (m *Manager) Lookup(id string) (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return e.session, true
}

// ExpectUpgrade registers a single-use pending upgrade for the session and
// returns its correlation token.
func (m *Manager) ExpectUpgrade(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return "", ErrSessionNotFound
	}
	now := m.clock.Now()
	for token, p := range m.upgrades {
		if !now.Before(p.expires) {
			delete(m.upgrades, token)
		}
	}
	token := uuid.NewString()
	m.upgrades[token] = pendingUpgrade{sessionID: sessionID, expires: now.Add(m.upgradeTTL)}
	return token, nil
}

// ClaimUpgrade consumes token. It succeeds only once, before expiry, and
// only for the session the token was issued to.
func (m *Manager) ClaimUpgrade(token, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.upgrades[token]
	if !ok {
		return false
	}
	delete(m.upgrades, token)
	if p.sessionID != sessionID || !m.clock.Now().Before(p.expires) {
		return false
	}
	_, live := m.sessions[sessionID]
	return live
}

// Attach records a tunnel relaying for the session. conn is closed if the
// session is torn down while attached. The returned detach must be called
// once the tunnel ends; detaching the last tunnel arms the idle deadline.
func (m *Manager) Attach(sessionID string, conn io.Closer) (detach func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	m.cancelIdleLocked(e)
	e.session.Attached++

	hc := &hub.Connection{SessionID: sessionID, Conn: conn}
	m.hub.Register(hc)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hub.Unregister(hc)
			m.detach(e)
		})
	}, nil
}

func (m *Manager) detach(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[e.session.ID] != e {
		return
	}
	if e.session.Attached > 0 {
		e.session.Attached--
	}
	if e.session.Attached == 0 {
		m.armIdleLocked(e)
	}
}

func (m *Manager) armIdleLocked(e *entry) {
	m.cancelIdleLocked(e)
	e.gen++
	gen := e.gen
	deadline := m.clock.Now().Add(m.idleTimeout)
	e.session.IdleDeadline = &deadline
	e.timer = m.clock.AfterFunc(m.idleTimeout, func() { m.reap(e, gen) })
	m.logger.Debug("session idle", "session", e.session.ID, "deadline", deadline)
}

func (m *Manager) cancelIdleLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.session.IdleDeadline = nil
}

func (m *Manager) reap(e *entry, gen uint64) {
	m.mu.Lock()
	if m.sessions[e.session.ID] != e || e.gen != gen {
		m.mu.Unlock()
		return
	}
	m.removeLocked(e)
	m.mu.Unlock()

	m.hub.CloseSession(e.session.ID)
	m.logger.Info("session reaped", "session", e.session.ID, "vm", e.vm.ID, "user", e.session.User)

	go func() {
		if err := m.ctrl.StopVM(context.Background(), e.vm); err != nil {
			m.logger.Error("stop idle vm", "vm", e.vm.ID, "error", err)
		}
	}()
}

func (m *Manager) removeLocked(e *entry) {
	m.cancelIdleLocked(e)
	delete(m.sessions, e.session.ID)
	delete(m.byKey, key{user: e.session.User, vm: e.session.VM})
	for token, p := range m.upgrades {
		if p.sessionID == e.session.ID {
			delete(m.upgrades, token)
		}
	}
}

// Teardown removes every session of the VM, cancelling their timers and
// closing their attached tunnels.
func (m *Manager) Teardown(vmID string) {
	m.mu.Lock()
	var removed []string
	for id, e := range m.sessions {
		if e.session.VM == vmID {
			m.removeLocked(e)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range removed {
		closed := m.hub.CloseSession(id)
		m.logger.Info("session torn down", "session", id, "vm", vmID, "tunnels", closed)
	}
}

// Sessions returns a snapshot of the live sessions of a VM.
func (m *Manager) Sessions(vmID string) []model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Session
	for _, e := range m.sessions {
		if e.session.VM == vmID {
			out = append(out, e.session)
		}
	}
	return out
}
