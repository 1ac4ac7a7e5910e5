// Package lifecycle implements machine provisioning and power management:
// defining and undefining domains on the hypervisor, keeping the directory
// in sync and announcing every transition to websocket subscribers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/hypervisor"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/machines"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

var (
	// ErrAlreadyRunning rejects a start of a machine that is up.
	ErrAlreadyRunning = errors.New("machine already running")
	// ErrNotRunning rejects a stop of a machine that is down.
	ErrNotRunning = errors.New("machine not running")
)

// Notifier receives lifecycle transitions for fan-out to websocket
// subscribers. Satisfied by the websocket orchestrator.
type Notifier interface {
	OnMachineCreate(ctx context.Context, machineUUID string) error
	OnMachineDelete(machineUUID string, linkedUsers []string)
	OnMachineModify(ctx context.Context, machineUUID string) error
	OnBootupStart(ctx context.Context, machineUUID string)
	OnBootupSuccess(ctx context.Context, machineUUID string)
	OnBootupFail(ctx context.Context, machineUUID, errMsg string)
	OnShutdownStart(ctx context.Context, machineUUID string)
	OnShutdownSuccess(ctx context.Context, machineUUID string)
	OnShutdownFail(ctx context.Context, machineUUID, errMsg string)
}

// Config carries the provisioning defaults for new domains.
type Config struct {
	// DiskRoot is the host directory holding machine disk images.
	DiskRoot string
	// Network is the libvirt network new machines attach to.
	Network string
	// DomainType selects the virtualization driver, normally kvm.
	DomainType string
	// Arch is the guest architecture.
	Arch string
}

// DefaultConfig returns the stock provisioning defaults.
func DefaultConfig() Config {
	return Config{
		DiskRoot:   "/var/lib/cherry/disks",
		Network:    "default",
		DomainType: "kvm",
		Arch:       "x86_64",
	}
}

// Manager coordinates the hypervisor, the directory and the notifier for
// every machine lifecycle operation.
type Manager struct {
	hv      hypervisor.Client
	store   *machines.Store
	loading *machines.LoadingTracker
	notify  Notifier
	cfg     Config
	logger  logging.Logger
}

// NewManager wires a lifecycle manager.
func NewManager(hv hypervisor.Client, store *machines.Store, loading *machines.LoadingTracker, notify Notifier, cfg Config, logger logging.Logger) *Manager {
	if cfg.DomainType == "" {
		cfg.DomainType = "kvm"
	}
	if cfg.Arch == "" {
		cfg.Arch = "x86_64"
	}
	return &Manager{hv: hv, store: store, loading: loading, notify: notify, cfg: cfg, logger: logger}
}

// Start powers a machine on. The loading flag is raised before the
// BOOTUP_START announcement so the very next state broadcast already shows
// the machine as loading.
func (m *Manager) Start(ctx context.Context, machineUUID string) error {
	if _, err := m.store.Machine(ctx, machineUUID); err != nil {
		return err
	}
	if state, err := m.hv.DomainState(ctx, machineUUID); err == nil && state.Running() {
		return ErrAlreadyRunning
	}

	m.loading.SetLoading(machineUUID, true)
	m.notify.OnBootupStart(ctx, machineUUID)

	if err := m.hv.Create(ctx, machineUUID); err != nil {
		m.loading.SetLoading(machineUUID, false)
		m.notify.OnBootupFail(ctx, machineUUID, err.Error())
		m.logger.WithError(err).WithFields(logging.Fields{
			"machine_uuid": machineUUID,
		}).Error("Failed to start machine")
		return fmt.Errorf("start machine %s: %w", machineUUID, err)
	}

	now := time.Now().UTC()
	if err := m.store.SetBootTimestamp(ctx, machineUUID, &now); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"machine_uuid": machineUUID,
		}).Error("Machine started but boot timestamp was not recorded")
	}

	m.loading.SetLoading(machineUUID, false)
	m.notify.OnBootupSuccess(ctx, machineUUID)
	m.logger.WithFields(logging.Fields{"machine_uuid": machineUUID}).Info("Machine started")
	return nil
}

// Stop powers a machine off. force skips the guest-cooperative shutdown
// and pulls the virtual plug.
func (m *Manager) Stop(ctx context.Context, machineUUID string, force bool) error {
	if _, err := m.store.Machine(ctx, machineUUID); err != nil {
		return err
	}
	if state, err := m.hv.DomainState(ctx, machineUUID); err == nil && !state.Running() {
		return ErrNotRunning
	}

	m.notify.OnShutdownStart(ctx, machineUUID)

	var err error
	if force {
		err = m.hv.Destroy(ctx, machineUUID)
	} else {
		err = m.hv.Shutdown(ctx, machineUUID)
	}
	if err != nil {
		m.notify.OnShutdownFail(ctx, machineUUID, err.Error())
		m.logger.WithError(err).WithFields(logging.Fields{
			"machine_uuid": machineUUID, "force": force,
		}).Error("Failed to stop machine")
		return fmt.Errorf("stop machine %s: %w", machineUUID, err)
	}

	if err := m.store.SetBootTimestamp(ctx, machineUUID, nil); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"machine_uuid": machineUUID,
		}).Error("Machine stopped but boot timestamp was not cleared")
	}

	m.notify.OnShutdownSuccess(ctx, machineUUID)
	m.logger.WithFields(logging.Fields{"machine_uuid": machineUUID, "force": force}).Info("Machine stopped")
	return nil
}

// Create provisions one or more machines from the request and returns
// their uuids. Count > 1 produces identically sized machines with a
// numeric name suffix. Provisioning is not transactional across machines:
// a mid-batch failure returns the uuids created so far along with the error.
func (m *Manager) Create(ctx context.Context, req cherryd.CreateMachineRequest, ownerID string) ([]string, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}

	uuids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		name := req.Name
		if count > 1 {
			name = fmt.Sprintf("%s-%d", req.Name, i+1)
		}

		id, err := m.createOne(ctx, req, name, ownerID)
		if err != nil {
			return uuids, fmt.Errorf("create machine %q: %w", name, err)
		}
		uuids = append(uuids, id)
	}
	return uuids, nil
}

func (m *Manager) createOne(ctx context.Context, req cherryd.CreateMachineRequest, name, ownerID string) (string, error) {
	doc := m.domainDoc(req, name)
	xml, err := hypervisor.BuildDomainXML(doc)
	if err != nil {
		return "", err
	}

	id, err := m.hv.DefineXML(ctx, xml)
	if err != nil {
		return "", fmt.Errorf("define domain: %w", err)
	}

	machine := models.Machine{
		UUID:   id,
		Name:   name,
		Tags:   req.Tags,
		OS:     req.OS,
		VCPU:   req.VCPU,
		RAMMax: req.RAMMax,
	}
	if req.Title != "" {
		machine.Title = &req.Title
	}
	if req.Description != "" {
		machine.Description = &req.Description
	}

	if err := m.store.Create(ctx, machine, ownerID, req.ClientUUIDs); err != nil {
		// Directory insert failed; drop the orphaned definition.
		if uerr := m.hv.Undefine(ctx, id); uerr != nil {
			m.logger.WithError(uerr).WithFields(logging.Fields{
				"machine_uuid": id,
			}).Error("Failed to undefine domain after directory insert failure")
		}
		return "", err
	}

	if err := m.notify.OnMachineCreate(ctx, id); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"machine_uuid": id,
		}).Error("Machine created but announcement failed")
	}

	m.logger.WithFields(logging.Fields{
		"machine_uuid": id, "name": name, "owner": ownerID,
	}).Info("Machine created")
	return id, nil
}

func (m *Manager) domainDoc(req cherryd.CreateMachineRequest, name string) hypervisor.DomainDoc {
	return hypervisor.DomainDoc{
		Type:        m.cfg.DomainType,
		Name:        name,
		Title:       req.Title,
		Description: req.Description,
		Memory:      hypervisor.MemoryElem{Unit: "MiB", Value: uint64(req.RAMMax)},
		VCPU:        req.VCPU,
		OS: hypervisor.OSElem{
			Type: hypervisor.OSTypeElem{Arch: m.cfg.Arch, Value: "hvm"},
		},
		Devices: hypervisor.DevicesElem{
			Disks: []hypervisor.DiskElem{{
				Type:   "file",
				Device: "disk",
				Driver: hypervisor.DriverElem{Name: "qemu", Type: "qcow2"},
				Source: hypervisor.SourceElem{File: filepath.Join(m.cfg.DiskRoot, name+".qcow2")},
				Target: hypervisor.TargetElem{Dev: "vda", Bus: "virtio"},
			}},
			Interfaces: []hypervisor.InterfaceElem{{
				Type:   "network",
				Source: &hypervisor.IfaceSourceElem{Network: m.cfg.Network},
				Model:  &hypervisor.IfaceModelElem{Type: "virtio"},
			}},
			Graphics: []hypervisor.GraphicsElem{{
				Type:     "vnc",
				Port:     -1,
				Autoport: "yes",
				Listen:   "0.0.0.0",
			}},
		},
		Features:   &hypervisor.StructElem{ACPI: &struct{}{}},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
	}
}

// Delete removes a machine: hard-stop if running, undefine the domain,
// drop the directory rows and announce the deletion. The linked accounts
// are captured first, since they cannot be resolved once the rows are gone.
func (m *Manager) Delete(ctx context.Context, machineUUID string) error {
	if _, err := m.store.Machine(ctx, machineUUID); err != nil {
		return err
	}

	linkedUsers, err := m.store.LinkedUsers(ctx, machineUUID)
	if err != nil {
		return fmt.Errorf("resolve linked users for %s: %w", machineUUID, err)
	}

	state, err := m.hv.DomainState(ctx, machineUUID)
	switch {
	case err == nil && state.Running():
		if err := m.hv.Destroy(ctx, machineUUID); err != nil {
			return fmt.Errorf("destroy machine %s: %w", machineUUID, err)
		}
	case err != nil && !errors.Is(err, hypervisor.ErrDomainNotFound):
		return fmt.Errorf("query machine %s: %w", machineUUID, err)
	}

	if err := m.hv.Undefine(ctx, machineUUID); err != nil && !errors.Is(err, hypervisor.ErrDomainNotFound) {
		return fmt.Errorf("undefine machine %s: %w", machineUUID, err)
	}

	if err := m.store.Delete(ctx, machineUUID); err != nil {
		return err
	}

	m.notify.OnMachineDelete(machineUUID, linkedUsers)
	m.logger.WithFields(logging.Fields{"machine_uuid": machineUUID}).Info("Machine deleted")
	return nil
}

// Modify updates directory fields and client assignments, then pushes the
// refreshed static properties to subscribers.
func (m *Manager) Modify(ctx context.Context, machineUUID string, req cherryd.ModifyMachineRequest) error {
	if _, err := m.store.Machine(ctx, machineUUID); err != nil {
		return err
	}

	if req.Name != nil || req.Title != nil || req.Description != nil {
		if err := m.store.Update(ctx, machineUUID, req.Name, req.Title, req.Description); err != nil {
			return err
		}
	}
	if req.ClientUUIDs != nil {
		if err := m.store.SetClients(ctx, machineUUID, *req.ClientUUIDs); err != nil {
			return err
		}
	}

	if err := m.notify.OnMachineModify(ctx, machineUUID); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"machine_uuid": machineUUID,
		}).Error("Machine modified but announcement failed")
	}

	m.logger.WithFields(logging.Fields{"machine_uuid": machineUUID}).Info("Machine modified")
	return nil
}
