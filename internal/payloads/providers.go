// Package payloads assembles the four websocket payload kinds from the
// hypervisor and the machine directory. Per-machine failures never abort a
// batch: the machine is logged and omitted from the resulting map.
package payloads

import (
	"context"
	"fmt"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/hypervisor"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/machines"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
)

// Providers resolves machine uuids to wire payloads.
type Providers struct {
	hv      hypervisor.Client
	store   *machines.Store
	loading *machines.LoadingTracker
	logger  logging.Logger
}

// NewProviders wires the payload sources.
func NewProviders(hv hypervisor.Client, store *machines.Store, loading *machines.LoadingTracker, logger logging.Logger) *Providers {
	return &Providers{hv: hv, store: store, loading: loading, logger: logger}
}

// Properties returns the static payload for one machine.
func (p *Providers) Properties(ctx context.Context, id string) (cherryd.PropertiesPayload, error) {
	m, err := p.store.Machine(ctx, id)
	if err != nil {
		return cherryd.PropertiesPayload{}, err
	}

	owner, err := p.store.Owner(ctx, id)
	if err != nil {
		return cherryd.PropertiesPayload{}, err
	}
	clients, err := p.store.AssignedClients(ctx, id)
	if err != nil {
		return cherryd.PropertiesPayload{}, err
	}
	conns, err := p.store.Connections(ctx, id)
	if err != nil {
		return cherryd.PropertiesPayload{}, err
	}

	doc, err := p.domainDoc(ctx, id)
	if err != nil {
		return cherryd.PropertiesPayload{}, err
	}

	disks, err := p.staticDisks(ctx, id, doc)
	if err != nil {
		return cherryd.PropertiesPayload{}, err
	}

	return cherryd.PropertiesPayload{
		UUID:            id,
		Title:           m.Title,
		Tags:            m.Tags,
		Description:     m.Description,
		Owner:           owner,
		AssignedClients: clients,
		RASPort:         doc.RASPort(),
		Connections:     conns,
		Disks:           disks,
	}, nil
}

// State returns the frequently refreshed dynamic payload for one machine.
func (p *Providers) State(ctx context.Context, id string) (cherryd.StatePayload, error) {
	info, err := p.hv.DomainInfo(ctx, id)
	if err != nil {
		return cherryd.StatePayload{}, err
	}

	boot, err := p.store.BootTimestamp(ctx, id)
	if err != nil {
		return cherryd.StatePayload{}, err
	}

	active := info.State.Running()
	var ramUsed int64
	if active {
		ramUsed = int64(info.MemKiB / 1024)
	}

	return cherryd.StatePayload{
		UUID:          id,
		Active:        active,
		Loading:       p.loading.IsLoading(id),
		VCPU:          info.VCPUs,
		RAMMax:        int64(info.MaxMemKiB / 1024),
		RAMUsed:       ramUsed,
		BootTimestamp: boot,
	}, nil
}

// Disks returns per-device usage for one machine.
func (p *Providers) Disks(ctx context.Context, id string) (cherryd.DisksPayload, error) {
	doc, err := p.domainDoc(ctx, id)
	if err != nil {
		return cherryd.DisksPayload{}, err
	}

	statics, err := p.staticDisks(ctx, id, doc)
	if err != nil {
		return cherryd.DisksPayload{}, err
	}

	disks := make([]cherryd.DynamicDiskInfo, 0, len(statics))
	for _, disk := range statics {
		info, err := p.hv.BlockInfo(ctx, id, disk.Name)
		if err != nil {
			return cherryd.DisksPayload{}, fmt.Errorf("block info for %s/%s: %w", id, disk.Name, err)
		}
		disks = append(disks, cherryd.DynamicDiskInfo{
			StaticDiskInfo: disk,
			OccupiedBytes:  int64(info.Allocation),
		})
	}

	return cherryd.DisksPayload{UUID: id, Disks: disks}, nil
}

// Connections returns the active remote sessions of one machine.
func (p *Providers) Connections(ctx context.Context, id string) (cherryd.ConnectionsPayload, error) {
	addrs, err := p.store.ActiveConnections(ctx, id)
	if err != nil {
		return cherryd.ConnectionsPayload{}, err
	}
	return cherryd.ConnectionsPayload{ActiveConnections: addrs}, nil
}

func (p *Providers) domainDoc(ctx context.Context, id string) (hypervisor.DomainDoc, error) {
	raw, err := p.hv.DomainXML(ctx, id)
	if err != nil {
		return hypervisor.DomainDoc{}, err
	}
	return hypervisor.ParseDomainXML(raw)
}

// staticDisks lists the machine's disks with their provisioned sizes. The
// first disk target is the system disk.
func (p *Providers) staticDisks(ctx context.Context, id string, doc hypervisor.DomainDoc) ([]cherryd.StaticDiskInfo, error) {
	var disks []cherryd.StaticDiskInfo
	for i, dev := range doc.Devices.Disks {
		if dev.Device != "disk" {
			continue
		}
		info, err := p.hv.BlockInfo(ctx, id, dev.Target.Dev)
		if err != nil {
			return nil, fmt.Errorf("block info for %s/%s: %w", id, dev.Target.Dev, err)
		}
		disks = append(disks, cherryd.StaticDiskInfo{
			System:    i == 0,
			Name:      dev.Target.Dev,
			SizeBytes: int64(info.Capacity),
			Type:      dev.Driver.Type,
		})
	}
	return disks, nil
}

// PropertiesByUUIDs resolves static payloads for a set of machines,
// omitting any machine whose fetch fails.
func (p *Providers) PropertiesByUUIDs(ctx context.Context, ids []string) map[string]cherryd.PropertiesPayload {
	return collect(ctx, p, ids, "properties", p.Properties)
}

// StateByUUIDs resolves state payloads for a set of machines.
func (p *Providers) StateByUUIDs(ctx context.Context, ids []string) map[string]cherryd.StatePayload {
	return collect(ctx, p, ids, "state", p.State)
}

// DisksByUUIDs resolves disk payloads for a set of machines.
func (p *Providers) DisksByUUIDs(ctx context.Context, ids []string) map[string]cherryd.DisksPayload {
	return collect(ctx, p, ids, "disks", p.Disks)
}

// ConnectionsByUUIDs resolves connection payloads for a set of machines.
func (p *Providers) ConnectionsByUUIDs(ctx context.Context, ids []string) map[string]cherryd.ConnectionsPayload {
	return collect(ctx, p, ids, "connections", p.Connections)
}

func collect[T any](ctx context.Context, p *Providers, ids []string, kind string, fetch func(context.Context, string) (T, error)) map[string]T {
	out := make(map[string]T, len(ids))
	for _, id := range ids {
		exists, err := p.store.Exists(ctx, id)
		if err != nil {
			p.logger.WithError(err).WithFields(logging.Fields{
				"machine_uuid": id, "payload": kind,
			}).Error("Directory lookup failed while batching payloads")
			continue
		}
		if !exists {
			continue
		}

		payload, err := fetch(ctx, id)
		if err != nil {
			p.logger.WithError(err).WithFields(logging.Fields{
				"machine_uuid": id, "payload": kind,
			}).Error("Failed to fetch machine payload, omitting machine")
			continue
		}
		out[id] = payload
	}
	return out
}
