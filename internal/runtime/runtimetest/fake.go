// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
	"instapc-server/internal/model"
	"instapc-server/internal/runtime"
)

// Fake keeps instances in memory and counts every call.
type Fake struct {
	mu        sync.Mutex
	instances map[string]*runtime.State
	specs     map[string]model.VM
	calls     map[string]int
	supported map[string]bool

	// Fail, when set, is consulted before each call; a non-nil error is
	// returned instead of performing the operation.
	Fail func(op, id string) error
}

func New() *Fake {
	return &Fake{
		instances: make(map[string]*runtime.State),
		specs:     make(map[string]model.VM),
		calls:     make(map[string]int),
		supported: map[string]bool{"windows-11": true, "windows-10": true, "macos-ventura": true, "mint": true},
	}
}

func (f *Fake) record(op, id string) error {
	f.calls[op]++
	if f.Fail != nil {
		return f.Fail(op, id)
	}
	return nil
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// Exists reports whether an instance is provisioned for id.
func (f *Fake) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.instances[id]
	return ok
}

// Instance returns the VM record the instance for id was last created from.
func (f *Fake) Instance(id string) (model.VM, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return model.VM{}, false
	}
	vm, ok := f.specs[id]
	return vm, ok
}

// Remove drops an instance behind the controller's back.
func (f *Fake) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
}

func (f *Fake) Supports(os string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supported[os]
}

func (f *Fake) Create(_ context.Context, vm model.VM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", vm.ID); err != nil {
		return err
	}
	if !f.supported[vm.OS] {
		return fmt.Errorf("%w: %q", runtime.ErrUnsupportedOS, vm.OS)
	}
	if _, ok := f.instances[vm.ID]; ok {
		return fmt.Errorf("conflict: instance %s already exists", vm.ID)
	}
	f.instances[vm.ID] = &runtime.State{Status: "created"}
	f.specs[vm.ID] = vm
	return nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start", id); err != nil {
		return err
	}
	st, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("start %s: %w", id, errdefs.ErrNotFound)
	}
	st.Running, st.Status = true, "running"
	return nil
}

func (f *Fake) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stop", id); err != nil {
		return err
	}
	if st, ok := f.instances[id]; ok {
		st.Running, st.Status = false, "exited"
	}
	return nil
}

func (f *Fake) Destroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("destroy", id); err != nil {
		return err
	}
	delete(f.instances, id)
	return nil
}

func (f *Fake) Inspect(_ context.Context, id string) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("inspect", id); err != nil {
		return runtime.State{}, err
	}
	st, ok := f.instances[id]
	if !ok {
		return runtime.State{}, fmt.Errorf("inspect %s: %w", id, errdefs.ErrNotFound)
	}
	return *st, nil
}

func (f *Fake) AttachNetwork(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("network", id)
}

func (f *Fake) RemoveData(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("removeData", id)
}
