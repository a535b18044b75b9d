package model

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrValidation marks malformed or out-of-range VM fields.
var ErrValidation = fmt.Errorf("invalid vm: %w", errdefs.ErrInvalidArgument)

// NewVM merges spec over the defaults. The caller assigns ID and Owner.
func NewVM(spec VMSpec) (VM, error) {
	vm := VM{
		Name:   DefaultName,
		OS:     DefaultOS,
		Memory: DefaultMemory,
		Cores:  DefaultCores,
		Disk:   DefaultDisk,
	}
	if spec.OS != nil {
		vm.OS = *spec.OS
	}
	if vm.OS == "" {
		return VM{}, fmt.Errorf("%w: os is required", ErrValidation)
	}
	vm = vm.Apply(VMPatch{Name: spec.Name, Memory: spec.Memory, Cores: spec.Cores, Disk: spec.Disk})
	if err := vm.Validate(); err != nil {
		return VM{}, err
	}
	return vm, nil
}

// Apply returns a copy of vm with the fields present in p replaced.
func (vm VM) Apply(p VMPatch) VM {
	if p.Name != nil {
		vm.Name = *p.Name
	}
	if p.Memory != nil {
		vm.Memory = *p.Memory
	}
	if p.Cores != nil {
		vm.Cores = *p.Cores
	}
	if p.Disk != nil {
		vm.Disk = *p.Disk
	}
	return vm
}

func (vm VM) Validate() error {
	if vm.Memory < MinMemory || vm.Memory > MaxMemory {
		return fmt.Errorf("%w: memory %d outside [%d, %d]", ErrValidation, vm.Memory, MinMemory, MaxMemory)
	}
	if vm.Cores < MinCores || vm.Cores > MaxCores {
		return fmt.Errorf("%w: cores %d outside [%d, %d]", ErrValidation, vm.Cores, MinCores, MaxCores)
	}
	if vm.Disk < MinDisk || vm.Disk > MaxDisk {
		return fmt.Errorf("%w: disk %d outside [%d, %d]", ErrValidation, vm.Disk, MinDisk, MaxDisk)
	}
	return nil
}
