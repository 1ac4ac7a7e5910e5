package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/hypervisor"
)

// FakeDomain is one domain held by the fake hypervisor.
type FakeDomain struct {
	UUID   string
	Name   string
	State  hypervisor.DomainState
	Info   hypervisor.DomainInfo
	XML    string
	Blocks map[string]hypervisor.BlockInfo
}

// FakeHypervisor is an in-memory hypervisor.Client for tests. Errors can
// be injected per machine uuid via Fail.
type FakeHypervisor struct {
	mu      sync.Mutex
	domains map[string]*FakeDomain

	// Fail makes every call for the uuid return the given error.
	Fail map[string]error
}

// NewFakeHypervisor returns an empty fake.
func NewFakeHypervisor() *FakeHypervisor {
	return &FakeHypervisor{
		domains: make(map[string]*FakeDomain),
		Fail:    make(map[string]error),
	}
}

// AddDomain seeds a domain. A zero-state domain is shut off.
func (f *FakeHypervisor) AddDomain(d FakeDomain) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.State == hypervisor.StateUnknown {
		d.State = hypervisor.StateShutoff
	}
	if d.Blocks == nil {
		d.Blocks = make(map[string]hypervisor.BlockInfo)
	}
	f.domains[d.UUID] = &d
}

// Domain returns the fake's view of a domain, or nil.
func (f *FakeHypervisor) Domain(id string) *FakeDomain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.domains[id]
}

// lookup wraps the sentinel the way the production client does, so code
// comparing it by identity instead of errors.Is fails under test too.
func (f *FakeHypervisor) lookup(id string) (*FakeDomain, error) {
	if err := f.Fail[id]; err != nil {
		return nil, err
	}
	d, ok := f.domains[id]
	if !ok {
		return nil, fmt.Errorf("%w: Domain not found: %s", hypervisor.ErrDomainNotFound, id)
	}
	return d, nil
}

// DomainState implements hypervisor.Client.
func (f *FakeHypervisor) DomainState(_ context.Context, id string) (hypervisor.DomainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup(id)
	if err != nil {
		return hypervisor.StateUnknown, err
	}
	return d.State, nil
}

// DomainInfo implements hypervisor.Client.
func (f *FakeHypervisor) DomainInfo(_ context.Context, id string) (hypervisor.DomainInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup(id)
	if err != nil {
		return hypervisor.DomainInfo{}, err
	}
	info := d.Info
	info.State = d.State
	return info, nil
}

// DomainXML implements hypervisor.Client.
func (f *FakeHypervisor) DomainXML(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup(id)
	if err != nil {
		return "", err
	}
	return d.XML, nil
}

// BlockInfo implements hypervisor.Client.
func (f *FakeHypervisor) BlockInfo(_ context.Context, id, dev string) (hypervisor.BlockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup(id)
	if err != nil {
		return hypervisor.BlockInfo{}, err
	}
	info, ok := d.Blocks[dev]
	if !ok {
		return hypervisor.BlockInfo{}, fmt.Errorf("%w: no block device %s", hypervisor.ErrDomainNotFound, dev)
	}
	return info, nil
}

// Create implements hypervisor.Client.
func (f *FakeHypervisor) Create(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup(id)
	if err != nil {
		return err
	}
	d.State = hypervisor.StateRunning
	return nil
}

// Shutdown implements hypervisor.Client.
func (f *FakeHypervisor) Shutdown(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.lookup(id)
	if err != nil {
		return err
	}
	d.State = hypervisor.StateShutoff
	return nil
}

// Destroy implements hypervisor.Client.
func (f *FakeHypervisor) Destroy(ctx context.Context, id string) error {
	return f.Shutdown(ctx, id)
}

// DefineXML implements hypervisor.Client. The new domain's name is read
// from the document; tests that care about the XML can fetch it back via
// Domain.
func (f *FakeHypervisor) DefineXML(_ context.Context, xml string) (string, error) {
	doc, err := hypervisor.ParseDomainXML(xml)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.domains[id] = &FakeDomain{
		UUID:   id,
		Name:   doc.Name,
		State:  hypervisor.StateShutoff,
		XML:    xml,
		Blocks: make(map[string]hypervisor.BlockInfo),
	}
	return id, nil
}

// Undefine implements hypervisor.Client.
func (f *FakeHypervisor) Undefine(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(id); err != nil {
		return err
	}
	delete(f.domains, id)
	return nil
}

// ListAllDomains implements hypervisor.Client.
func (f *FakeHypervisor) ListAllDomains(_ context.Context) ([]hypervisor.DomainSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hypervisor.DomainSummary, 0, len(f.domains))
	for _, d := range f.domains {
		out = append(out, hypervisor.DomainSummary{
			UUID: d.UUID, Name: d.Name, Active: d.State.Running(),
		})
	}
	return out, nil
}

// Ping implements hypervisor.Client.
func (f *FakeHypervisor) Ping(context.Context) error { return nil }

// Close implements hypervisor.Client.
func (f *FakeHypervisor) Close() error { return nil }
