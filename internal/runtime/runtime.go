// Package runtime drives the external execution backend that hosts guest
// instances. Every instance is addressed by a name derived from its VM id,
// so calls are repeatable and absence can be detected.
package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"instapc-server/internal/model"
)

// DisplayPort is where every guest image serves its web display client.
const DisplayPort = 8006

// ErrUnsupportedOS is returned for OS keys outside the catalog.
var ErrUnsupportedOS = fmt.Errorf("unsupported os: %w", errdefs.ErrInvalidArgument)

type Runtime interface {
	Supports(os string) bool
	Create(ctx context.Context, vm model.VM) error
	Start(ctx context.Context, id string) error
	// Stop and Destroy succeed when the instance does not exist.
	Stop(ctx context.Context, id string) error
	Destroy(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (State, error)
	// AttachNetwork moves the instance onto the managed network.
	AttachNetwork(ctx context.Context, id string) error
	// RemoveData deletes the per-VM working state kept on disk.
	RemoveData(id string) error
}

type State struct {
	Running bool   `json:"Running"`
	Status  string `json:"Status"`
}

func InstanceName(vmID string) string {
	return "vm-" + vmID
}

// DisplayAddr is the host:port of the instance's display endpoint on the
// managed network.
func DisplayAddr(vmID string) string {
	return fmt.Sprintf("%s:%d", InstanceName(vmID), DisplayPort)
}

// CommandError is a failed backend invocation. NotFound is decided once,
// here, from the backend's own wording.
type CommandError struct {
	Args     []string
	Stderr   string
	Err      error
	NotFound bool
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool {
	return e.NotFound && target == errdefs.ErrNotFound
}

var notFoundMarkers = []string{
	"No such container",
	"No such object",
}

func isNotFoundOutput(stderr string) bool {
	for _, m := range notFoundMarkers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

func ignoreNotFound(err error) error {
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}
