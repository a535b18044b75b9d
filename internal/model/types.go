package model

import "time"

const (
	DefaultName   = "New VM"
	DefaultOS     = "windows-11"
	DefaultMemory = 8192
	DefaultCores  = 4
	DefaultDisk   = 32

	MinMemory = 2048
	MaxMemory = 16384
	MinCores  = 1
	MaxCores  = 8
	MinDisk   = 16
	MaxDisk   = 64
)

// VM is the durable record of a user's PC. ID, Owner and OS never change
// after creation.
type VM struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	OS     string `json:"os"`
	Memory int    `json:"memory"`
	Cores  int    `json:"cores"`
	Disk   int    `json:"disk"`
}

// VMSpec is the body of a provisioning request. Nil fields take defaults.
type VMSpec struct {
	Name   *string `json:"name"`
	OS     *string `json:"os"`
	Memory *int    `json:"memory"`
	Cores  *int    `json:"cores"`
	Disk   *int    `json:"disk"`
}

// VMPatch carries the mutable subset of a VM. Nil fields are left alone.
type VMPatch struct {
	Name   *string `json:"name"`
	Memory *int    `json:"memory"`
	Cores  *int    `json:"cores"`
	Disk   *int    `json:"disk"`
}

func (p VMPatch) Empty() bool {
	return p.Name == nil && p.Memory == nil && p.Cores == nil && p.Disk == nil
}

// Session binds a user to a VM's display tunnel. IdleDeadline is set only
// while no tunnel is attached and a reap is scheduled.
type Session struct {
	ID           string     `json:"id"`
	VM           string     `json:"vm"`
	User         string     `json:"user"`
	TunnelTarget string     `json:"tunnelTarget"`
	IdleDeadline *time.Time `json:"idleDeadline,omitempty"`
	Attached     int        `json:"attached"`
}
