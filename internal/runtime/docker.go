package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"
	"instapc-server/internal/model"
)

// Runner executes one backend CLI invocation and returns its stdout.
// Failures come back as *CommandError.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	bin string
}

func NewExecRunner(bin string) Runner {
	return &execRunner{bin: bin}
}

func (r *execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &CommandError{
			Args:     append([]string{r.bin}, args...),
			Stderr:   stderr.String(),
			Err:      err,
			NotFound: isNotFoundOutput(stderr.String()),
		}
	}
	return stdout.Bytes(), nil
}

type DockerOptions struct {
	Runner Runner
	// Workdirs is the data directory as this process sees it.
	Workdirs *Workdirs
	// HostDataDir is the same directory as the docker daemon sees it. It
	// differs from Workdirs.Root when this service itself runs in a
	// container.
	HostDataDir   string
	Network       string
	GuestUsername string
	GuestPassword string
	Logger        *slog.Logger
}

// Docker provisions each VM as a KVM-backed container.
type Docker struct {
	run      Runner
	dirs     *Workdirs
	hostRoot string
	network  string
	username string
	password string
	logger   *slog.Logger
}

func NewDocker(opts DockerOptions) *Docker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hostRoot := opts.HostDataDir
	if hostRoot == "" {
		hostRoot = opts.Workdirs.Root()
	}
	if abs, err := filepath.Abs(hostRoot); err == nil {
		hostRoot = abs
	}
	return &Docker{
		run:      opts.Runner,
		dirs:     opts.Workdirs,
		hostRoot: hostRoot,
		network:  opts.Network,
		username: opts.GuestUsername,
		password: opts.GuestPassword,
		logger:   logger,
	}
}

func (d *Docker) Supports(os string) bool {
	s, _ := resolve(os, d.dirs.HasImage)
	return s != strategyUnknown
}

func (d *Docker) hostVMDir(id string) string {
	return filepath.Join(d.hostRoot, "vms", id)
}

func (d *Docker) createArgs(vm model.VM) ([]string, error) {
	s, version := resolve(vm.OS, d.dirs.HasImage)
	if s == strategyUnknown {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOS, vm.OS)
	}

	args := []string{
		"create",
		"--name", InstanceName(vm.ID),
		"--device", "/dev/kvm",
		"--cap-add", "NET_ADMIN",
		"--restart", "unless-stopped",
		"--stop-timeout", "30",
		"--env", "PUID=1000",
		"--env", "PGID=1000",
		"--env", "DISK_SIZE=" + strconv.Itoa(vm.Disk) + "GB",
		"--env", "RAM_SIZE=" + strconv.Itoa(vm.Memory) + "M",
		"--env", "CPU_CORES=" + strconv.Itoa(vm.Cores),
	}

	if _, err := d.dirs.EnsureVMDir(vm.ID); err != nil {
		return nil, err
	}

	switch s {
	case strategyWindows:
		args = append(args,
			"--volume", d.hostVMDir(vm.ID)+":"+storageMount,
			"--env", "USERNAME="+d.username,
			"--env", "PASSWORD="+d.password,
			"--env", "VERSION="+version,
			windowsImage,
		)
	case strategyMacOS:
		args = append(args,
			"--volume", d.hostVMDir(vm.ID)+":"+storageMount,
			"--env", "VERSION="+version,
			macosImage,
		)
	case strategyDiskImage:
		if _, err := d.dirs.EnsureDisk(vm.ID, vm.OS); err != nil {
			return nil, err
		}
		args = append(args,
			"--volume", filepath.Join(d.hostVMDir(vm.ID), "data"+workingDiskExt)+":"+bootDiskMount,
			diskBootImage,
		)
	}
	return args, nil
}

func (d *Docker) Create(ctx context.Context, vm model.VM) error {
	d.logger.Info("creating instance", "vm", vm.ID, "name", vm.Name, "os", vm.OS)
	args, err := d.createArgs(vm)
	if err != nil {
		return err
	}
	_, err = d.run.Run(ctx, args...)
	return err
}

func (d *Docker) Start(ctx context.Context, id string) error {
	d.logger.Info("starting instance", "vm", id)
	_, err := d.run.Run(ctx, "start", InstanceName(id))
	return err
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	d.logger.Info("stopping instance", "vm", id)
	_, err := d.run.Run(ctx, "stop", InstanceName(id))
	return ignoreNotFound(err)
}

func (d *Docker) Destroy(ctx context.Context, id string) error {
	d.logger.Info("destroying instance", "vm", id)
	_, err := d.run.Run(ctx, "rm", InstanceName(id))
	return ignoreNotFound(err)
}

func (d *Docker) Inspect(ctx context.Context, id string) (State, error) {
	out, err := d.run.Run(ctx, "inspect", "--type", "container", InstanceName(id))
	if err != nil {
		return State{}, err
	}
	var inspected []struct {
		State State `json:"State"`
	}
	if err := json.Unmarshal(out, &inspected); err != nil {
		return State{}, fmt.Errorf("decode inspect output: %w", err)
	}
	if len(inspected) == 0 {
		return State{}, fmt.Errorf("inspect %s: %w", InstanceName(id), errdefs.ErrNotFound)
	}
	return inspected[0].State, nil
}

// AttachNetwork detaches the instance from the managed network and the
// default bridge, then joins the managed network. Failures are expected
// (nothing to detach, already attached) and only logged.
func (d *Docker) AttachNetwork(ctx context.Context, id string) error {
	name := InstanceName(id)
	for _, network := range []string{d.network, "bridge"} {
		if _, err := d.run.Run(ctx, "network", "disconnect", network, name); err != nil {
			d.logger.Debug("network disconnect", "vm", id, "network", network, "error", err)
		}
	}
	if _, err := d.run.Run(ctx, "network", "connect", d.network, name); err != nil {
		// Start reports a missing instance; it is the step that self-heals.
		d.logger.Debug("network connect", "vm", id, "network", d.network, "error", err)
	}
	return nil
}

func (d *Docker) RemoveData(id string) error {
	return d.dirs.Remove(id)
}
