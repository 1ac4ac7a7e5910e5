// Package hypervisor narrows the libvirt surface to the calls the control
// plane needs. Payload providers and the lifecycle manager consume the
// Client interface; tests swap in a fake.
package hypervisor

import (
	"context"
	"errors"
)

var (
	// ErrDomainNotFound means the hypervisor knows no domain with that uuid.
	ErrDomainNotFound = errors.New("domain not found")
	// ErrNotConnected means the libvirt link is down.
	ErrNotConnected = errors.New("hypervisor not connected")
)

// DomainState mirrors the libvirt domain state enum for the states the
// control plane distinguishes.
type DomainState int

const (
	StateUnknown DomainState = iota
	StateRunning
	StateBlocked
	StatePaused
	StateShutdown
	StateShutoff
	StateCrashed
)

// Running reports whether the domain is live.
func (s DomainState) Running() bool {
	return s == StateRunning || s == StateBlocked
}

// DomainInfo is the runtime summary of one domain.
type DomainInfo struct {
	State     DomainState
	MaxMemKiB uint64
	MemKiB    uint64
	VCPUs     int
}

// BlockInfo is capacity and usage of one block device, in bytes.
type BlockInfo struct {
	Capacity   uint64
	Allocation uint64
}

// DomainSummary identifies one defined domain.
type DomainSummary struct {
	UUID   string
	Name   string
	Active bool
}

// Client is the narrow hypervisor interface. Every method acquires the
// connection for the duration of one query only; implementations must not
// hold it across calls.
type Client interface {
	// DomainState returns the current state of the domain.
	DomainState(ctx context.Context, uuid string) (DomainState, error)
	// DomainInfo returns state, memory and vcpu figures.
	DomainInfo(ctx context.Context, uuid string) (DomainInfo, error)
	// DomainXML returns the live domain description document.
	DomainXML(ctx context.Context, uuid string) (string, error)
	// BlockInfo returns usage of one block device by target name.
	BlockInfo(ctx context.Context, uuid, dev string) (BlockInfo, error)
	// Create starts a defined domain.
	Create(ctx context.Context, uuid string) error
	// Shutdown requests a graceful guest shutdown.
	Shutdown(ctx context.Context, uuid string) error
	// Destroy hard-stops a domain.
	Destroy(ctx context.Context, uuid string) error
	// DefineXML registers a new domain and returns its uuid.
	DefineXML(ctx context.Context, xml string) (string, error)
	// Undefine removes a domain definition.
	Undefine(ctx context.Context, uuid string) error
	// ListAllDomains enumerates every defined domain.
	ListAllDomains(ctx context.Context) ([]DomainSummary, error)
	// Ping verifies the link is usable.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}
