// Package lifecycle orchestrates multi-step VM operations on top of the
// instance runtime and the VM registry.
//
// Operations on one VM are serialized. Calls are detached from the
// caller's context: a client that goes away does not abort provisioning
// or teardown half way.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"instapc-server/internal/model"
	"instapc-server/internal/runtime"
)

var (
	// ErrProvisioningFailed wraps any backend failure during CreateVM.
	// The VM record is kept.
	ErrProvisioningFailed = errors.New("provisioning failed")

	// ErrVMNotFound is returned when the registry has no such VM.
	ErrVMNotFound = fmt.Errorf("vm: %w", errdefs.ErrNotFound)
)

// Registry is the durable VM catalog the controller writes through.
type Registry interface {
	Get(id string) (model.VM, bool)
	All() []model.VM
	Upsert(vm model.VM) error
	Remove(id string) bool
	Flush() error
}

// Sessions is torn down whenever a VM's instance stops.
type Sessions interface {
	Teardown(vmID string)
}

type Options struct {
	Runtime  runtime.Runtime
	Registry Registry
	Logger   *slog.Logger
	// NewID allocates VM ids. Defaults to random UUIDs.
	NewID func() string
}

type Controller struct {
	rt       runtime.Runtime
	registry Registry
	sessions Sessions
	locks    *opLocks
	newID    func() string
	logger   *slog.Logger
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Controller{
		rt:       opts.Runtime,
		registry: opts.Registry,
		locks:    newOpLocks(),
		newID:    newID,
		logger:   logger,
	}
}

// SetSessions wires the session manager. It is set after construction
// because the session manager in turn starts and stops VMs.
func (c *Controller) SetSessions(s Sessions) {
	c.sessions = s
}

func (c *Controller) teardownSessions(vmID string) {
	if c.sessions != nil {
		c.sessions.Teardown(vmID)
	}
}

// CreateVM validates spec, records the VM and provisions and starts its
// instance. Validation failures have no side effects.
func (c *Controller) CreateVM(ctx context.Context, owner string, spec model.VMSpec) (model.VM, error) {
	ctx = context.WithoutCancel(ctx)

	vm, err := model.NewVM(spec)
	if err != nil {
		return model.VM{}, err
	}
	if !c.rt.Supports(vm.OS) {
		return model.VM{}, fmt.Errorf("%w: %q", runtime.ErrUnsupportedOS, vm.OS)
	}
	vm.ID = c.newID()
	vm.Owner = owner

	unlock := c.locks.lock(vm.ID)
	defer unlock()

	if err := c.registry.Upsert(vm); err != nil {
		return model.VM{}, err
	}
	c.logger.Info("vm created", "vm", vm.ID, "owner", owner, "os", vm.OS)

	if err := c.rt.Create(ctx, vm); err != nil {
		return vm, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}
	if err := c.startLocked(ctx, vm); err != nil {
		return vm, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}
	return vm, nil
}

// UpdateVM applies the fields present in patch and recreates the
// instance. The recreated instance is left stopped.
func (c *Controller) UpdateVM(ctx context.Context, vm model.VM, patch model.VMPatch) (model.VM, error) {
	ctx = context.WithoutCancel(ctx)

	unlock := c.locks.lock(vm.ID)
	defer unlock()

	current, err := c.current(vm.ID)
	if err != nil {
		return model.VM{}, err
	}
	updated := current.Apply(patch)
	if err := updated.Validate(); err != nil {
		return model.VM{}, err
	}
	if err := c.registry.Upsert(updated); err != nil {
		return model.VM{}, err
	}
	c.logger.Info("vm updated", "vm", vm.ID, "memory", updated.Memory, "cores", updated.Cores, "disk", updated.Disk)

	if err := c.stopLocked(ctx, updated); err != nil {
		return updated, err
	}
	if err := c.rt.Destroy(ctx, updated.ID); err != nil {
		return updated, err
	}
	if err := c.rt.Create(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// current re-reads the record under the operation lock. The caller's
// copy may predate a delete or an update.
func (c *Controller) current(id string) (model.VM, error) {
	vm, ok := c.registry.Get(id)
	if !ok {
		return model.VM{}, ErrVMNotFound
	}
	return vm, nil
}

// StartVM makes sure the instance runs. A missing instance is recreated
// and started once more, but the original start failure is still
// returned.
func (c *Controller) StartVM(ctx context.Context, vm model.VM) error {
	ctx = context.WithoutCancel(ctx)

	unlock := c.locks.lock(vm.ID)
	defer unlock()

	vm, err := c.current(vm.ID)
	if err != nil {
		return err
	}
	return c.startLocked(ctx, vm)
}

func (c *Controller) startLocked(ctx context.Context, vm model.VM) error {
	st, err := c.rt.Inspect(ctx, vm.ID)
	if err == nil && st.Running {
		return nil
	}
	if err != nil && !errdefs.IsNotFound(err) {
		c.logger.Debug("inspect before start", "vm", vm.ID, "error", err)
	}

	if err := c.rt.AttachNetwork(ctx, vm.ID); err != nil {
		c.logger.Warn("attach network", "vm", vm.ID, "error", err)
	}

	res := attemptWithRemedy(ctx,
		func(ctx context.Context) error { return c.rt.Start(ctx, vm.ID) },
		errdefs.IsNotFound,
		func(ctx context.Context) error { return c.rt.Create(ctx, vm) },
	)
	switch {
	case res.err == nil:
	case res.recovered():
		c.logger.Warn("instance was missing and has been recreated", "vm", vm.ID, "error", res.err)
	case res.remedied:
		c.logger.Error("instance recovery failed", "vm", vm.ID, "error", res.err, "remedy_error", res.remedyErr, "retry_error", res.retryErr)
	}
	return res.err
}

// StopVM stops the instance and tears down every session bound to it
// before returning.
func (c *Controller) StopVM(ctx context.Context, vm model.VM) error {
	ctx = context.WithoutCancel(ctx)

	unlock := c.locks.lock(vm.ID)
	defer unlock()

	vm, err := c.current(vm.ID)
	if err != nil {
		return err
	}
	return c.stopLocked(ctx, vm)
}

func (c *Controller) stopLocked(ctx context.Context, vm model.VM) error {
	if err := c.rt.Stop(ctx, vm.ID); err != nil {
		return err
	}
	c.teardownSessions(vm.ID)
	return nil
}

// DeleteVM stops and destroys the instance, removes its working state and
// forgets the VM. There is no undo.
func (c *Controller) DeleteVM(ctx context.Context, vm model.VM) error {
	ctx = context.WithoutCancel(ctx)

	unlock := c.locks.lock(vm.ID)
	defer unlock()

	vm, err := c.current(vm.ID)
	if err != nil {
		return err
	}
	if err := c.stopLocked(ctx, vm); err != nil {
		return err
	}
	if err := c.rt.Destroy(ctx, vm.ID); err != nil {
		return err
	}
	if err := c.rt.RemoveData(vm.ID); err != nil {
		return fmt.Errorf("remove vm data: %w", err)
	}
	c.registry.Remove(vm.ID)
	c.teardownSessions(vm.ID)
	c.logger.Info("vm deleted", "vm", vm.ID)
	return nil
}

// Status reports whether the instance is running. An absent instance is
// simply not running.
func (c *Controller) Status(ctx context.Context, vm model.VM) (bool, error) {
	st, err := c.rt.Inspect(ctx, vm.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return st.Running, nil
}

// Shutdown flushes the registry and then stops every VM concurrently. The
// returned error is nil only if the flush and every stop succeeded.
func (c *Controller) Shutdown(ctx context.Context) error {
	flushErr := c.registry.Flush()
	if flushErr != nil {
		c.logger.Error("registry flush failed", "error", flushErr)
	}

	var g errgroup.Group
	for _, vm := range c.registry.All() {
		g.Go(func() error {
			if err := c.StopVM(ctx, vm); err != nil {
				c.logger.Error("stop on shutdown failed", "vm", vm.ID, "error", err)
				return fmt.Errorf("stop %s: %w", vm.ID, err)
			}
			return nil
		})
	}
	return errors.Join(flushErr, g.Wait())
}
