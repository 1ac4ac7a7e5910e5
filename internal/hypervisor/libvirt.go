package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
)

// LibvirtClient implements Client over the go-libvirt RPC socket. The
// underlying connection is long-lived and multiplexed, so one client is
// shared by all providers; libvirt serializes the RPC stream internally.
type LibvirtClient struct {
	conn   *libvirt.Libvirt
	logger logging.Logger
}

// ConnectLibvirt dials the hypervisor at the given URI, e.g.
// qemu:///system or qemu+tcp://host/system.
func ConnectLibvirt(uri string, logger logging.Logger) (*LibvirtClient, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri: %w", err)
	}

	conn, err := libvirt.ConnectToURI(parsed)
	if err != nil {
		return nil, fmt.Errorf("connect libvirt: %w", err)
	}

	logger.WithFields(logging.Fields{"uri": uri}).Info("Hypervisor connected")
	return &LibvirtClient{conn: conn, logger: logger}, nil
}

func (c *LibvirtClient) lookup(id string) (libvirt.Domain, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("parse machine uuid %q: %w", id, err)
	}
	dom, err := c.conn.DomainLookupByUUID(libvirt.UUID(parsed))
	if err != nil {
		return libvirt.Domain{}, mapError(err)
	}
	return dom, nil
}

func mapError(err error) error {
	var lverr libvirt.Error
	if errors.As(err, &lverr) && lverr.Code == uint32(libvirt.ErrNoDomain) {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, lverr.Message)
	}
	return err
}

// DomainState returns the current state of the domain.
func (c *LibvirtClient) DomainState(ctx context.Context, id string) (DomainState, error) {
	dom, err := c.lookup(id)
	if err != nil {
		return StateUnknown, err
	}
	state, _, err := c.conn.DomainGetState(dom, 0)
	if err != nil {
		return StateUnknown, mapError(err)
	}
	return mapState(state), nil
}

func mapState(state int32) DomainState {
	switch libvirt.DomainState(state) {
	case libvirt.DomainRunning:
		return StateRunning
	case libvirt.DomainBlocked:
		return StateBlocked
	case libvirt.DomainPaused:
		return StatePaused
	case libvirt.DomainShutdown:
		return StateShutdown
	case libvirt.DomainShutoff:
		return StateShutoff
	case libvirt.DomainCrashed:
		return StateCrashed
	default:
		return StateUnknown
	}
}

// DomainInfo returns state, memory and vcpu figures.
func (c *LibvirtClient) DomainInfo(ctx context.Context, id string) (DomainInfo, error) {
	dom, err := c.lookup(id)
	if err != nil {
		return DomainInfo{}, err
	}
	state, maxMem, memory, vcpus, _, err := c.conn.DomainGetInfo(dom)
	if err != nil {
		return DomainInfo{}, mapError(err)
	}
	return DomainInfo{
		State:     mapState(int32(state)),
		MaxMemKiB: maxMem,
		MemKiB:    memory,
		VCPUs:     int(vcpus),
	}, nil
}

// DomainXML returns the live domain description document.
func (c *LibvirtClient) DomainXML(ctx context.Context, id string) (string, error) {
	dom, err := c.lookup(id)
	if err != nil {
		return "", err
	}
	doc, err := c.conn.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", mapError(err)
	}
	return doc, nil
}

// BlockInfo returns usage of one block device by target name.
func (c *LibvirtClient) BlockInfo(ctx context.Context, id, dev string) (BlockInfo, error) {
	dom, err := c.lookup(id)
	if err != nil {
		return BlockInfo{}, err
	}
	allocation, capacity, _, err := c.conn.DomainGetBlockInfo(dom, dev, 0)
	if err != nil {
		return BlockInfo{}, mapError(err)
	}
	return BlockInfo{Capacity: capacity, Allocation: allocation}, nil
}

// Create starts a defined domain.
func (c *LibvirtClient) Create(ctx context.Context, id string) error {
	dom, err := c.lookup(id)
	if err != nil {
		return err
	}
	return mapError(c.conn.DomainCreate(dom))
}

// Shutdown requests a graceful guest shutdown.
func (c *LibvirtClient) Shutdown(ctx context.Context, id string) error {
	dom, err := c.lookup(id)
	if err != nil {
		return err
	}
	return mapError(c.conn.DomainShutdown(dom))
}

// Destroy hard-stops a domain.
func (c *LibvirtClient) Destroy(ctx context.Context, id string) error {
	dom, err := c.lookup(id)
	if err != nil {
		return err
	}
	return mapError(c.conn.DomainDestroy(dom))
}

// DefineXML registers a new domain and returns its uuid.
func (c *LibvirtClient) DefineXML(ctx context.Context, xmlDoc string) (string, error) {
	dom, err := c.conn.DomainDefineXML(xmlDoc)
	if err != nil {
		return "", mapError(err)
	}
	return uuid.UUID(dom.UUID).String(), nil
}

// Undefine removes a domain definition.
func (c *LibvirtClient) Undefine(ctx context.Context, id string) error {
	dom, err := c.lookup(id)
	if err != nil {
		return err
	}
	return mapError(c.conn.DomainUndefine(dom))
}

// ListAllDomains enumerates every defined domain.
func (c *LibvirtClient) ListAllDomains(ctx context.Context) ([]DomainSummary, error) {
	domains, _, err := c.conn.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]DomainSummary, 0, len(domains))
	for _, dom := range domains {
		out = append(out, DomainSummary{
			UUID:   uuid.UUID(dom.UUID).String(),
			Name:   dom.Name,
			Active: dom.ID != -1,
		})
	}
	return out, nil
}

// Ping verifies the link is usable.
func (c *LibvirtClient) Ping(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if _, err := c.conn.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close releases the connection.
func (c *LibvirtClient) Close() error {
	return c.conn.Disconnect()
}
