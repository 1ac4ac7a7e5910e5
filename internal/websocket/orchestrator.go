package websocket

import (
	"context"
	"fmt"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

// Directory is the slice of the machine directory the orchestrator needs:
// resolving which accounts a machine event is relevant to.
type Directory interface {
	LinkedUsers(ctx context.Context, machineUUID string) ([]string, error)
}

// Orchestrator fans machine lifecycle events out to the three scopes.
// Every dispatch is fire-and-forget: events enqueue on session queues and
// never wait on a slow peer.
type Orchestrator struct {
	machine *Scope[string]
	account *Scope[string]
	global  *Scope[struct{}]

	directory   Directory
	payloads    PayloadSource
	broadcaster *Broadcaster
	logger      logging.Logger
}

// NewOrchestrator wires the three scopes to the directory and broadcaster.
func NewOrchestrator(machine *Scope[string], account *Scope[string], global *Scope[struct{}], directory Directory, payloads PayloadSource, broadcaster *Broadcaster, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		machine:     machine,
		account:     account,
		global:      global,
		directory:   directory,
		payloads:    payloads,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// MachineScope exposes the per-machine scope for session handlers.
func (o *Orchestrator) MachineScope() *Scope[string] { return o.machine }

// AccountScope exposes the per-account scope for session handlers.
func (o *Orchestrator) AccountScope() *Scope[string] { return o.account }

// GlobalScope exposes the administrative scope for session handlers.
func (o *Orchestrator) GlobalScope() *Scope[struct{}] { return o.global }

// StartBroadcasts launches the periodic loops.
func (o *Orchestrator) StartBroadcasts(ctx context.Context) { o.broadcaster.Start(ctx) }

// StopBroadcasts stops the periodic loops.
func (o *Orchestrator) StopBroadcasts() { o.broadcaster.Stop() }

// SessionCounts reports live subscription counts per scope.
func (o *Orchestrator) SessionCounts() cherryd.Sessions {
	return cherryd.Sessions{
		Machine: o.machine.SessionCount(),
		Account: o.account.SessionCount(),
		Global:  o.global.SessionCount(),
	}
}

// OnMachineCreate announces a new machine. The body carries the full
// static payload so clients can render the machine without a round trip.
// The machine scope is skipped: nobody can be subscribed to a machine
// that did not exist a moment ago.
func (o *Orchestrator) OnMachineCreate(ctx context.Context, machineUUID string) error {
	props := o.payloads.PropertiesByUUIDs(ctx, []string{machineUUID})
	body, ok := props[machineUUID]
	if !ok {
		return fmt.Errorf("no properties payload for created machine %s", machineUUID)
	}

	users, err := o.directory.LinkedUsers(ctx, machineUUID)
	if err != nil {
		return fmt.Errorf("resolve linked users for %s: %w", machineUUID, err)
	}

	o.account.DispatchTo(users, cherryd.TypeCreate, body)
	o.global.DispatchAll(cherryd.TypeCreate, body)
	o.logEvent(cherryd.TypeCreate, machineUUID)
	return nil
}

// OnMachineDelete announces a deletion. The caller captures linkedUsers
// before removing the directory row, since it cannot be resolved after.
func (o *Orchestrator) OnMachineDelete(machineUUID string, linkedUsers []string) {
	body := cherryd.BaseBody{UUID: machineUUID}
	o.machine.DispatchTo([]string{machineUUID}, cherryd.TypeDelete, body)
	o.account.DispatchTo(linkedUsers, cherryd.TypeDelete, body)
	o.global.DispatchAll(cherryd.TypeDelete, body)
	o.logEvent(cherryd.TypeDelete, machineUUID)
}

// OnMachineModify pushes refreshed static properties to every interested
// session as a single-entry DATA_STATIC map.
func (o *Orchestrator) OnMachineModify(ctx context.Context, machineUUID string) error {
	body := o.payloads.PropertiesByUUIDs(ctx, []string{machineUUID})
	if _, ok := body[machineUUID]; !ok {
		return fmt.Errorf("no properties payload for modified machine %s", machineUUID)
	}

	users, err := o.directory.LinkedUsers(ctx, machineUUID)
	if err != nil {
		return fmt.Errorf("resolve linked users for %s: %w", machineUUID, err)
	}

	o.machine.DispatchTo([]string{machineUUID}, cherryd.TypeDataStatic, body)
	o.account.DispatchTo(users, cherryd.TypeDataStatic, body)
	o.global.DispatchAll(cherryd.TypeDataStatic, body)
	o.logEvent(cherryd.TypeDataStatic, machineUUID)
	return nil
}

// OnBootupStart announces a power-on attempt.
func (o *Orchestrator) OnBootupStart(ctx context.Context, machineUUID string) {
	o.transition(ctx, cherryd.TypeBootupStart, machineUUID, "")
}

// OnBootupSuccess announces a completed power-on.
func (o *Orchestrator) OnBootupSuccess(ctx context.Context, machineUUID string) {
	o.transition(ctx, cherryd.TypeBootupSuccess, machineUUID, "")
}

// OnBootupFail announces a failed power-on with the failure reason.
func (o *Orchestrator) OnBootupFail(ctx context.Context, machineUUID, errMsg string) {
	o.transition(ctx, cherryd.TypeBootupFail, machineUUID, errMsg)
}

// OnShutdownStart announces a power-off attempt.
func (o *Orchestrator) OnShutdownStart(ctx context.Context, machineUUID string) {
	o.transition(ctx, cherryd.TypeShutdownStart, machineUUID, "")
}

// OnShutdownSuccess announces a completed power-off.
func (o *Orchestrator) OnShutdownSuccess(ctx context.Context, machineUUID string) {
	o.transition(ctx, cherryd.TypeShutdownSuccess, machineUUID, "")
}

// OnShutdownFail announces a failed power-off with the failure reason.
func (o *Orchestrator) OnShutdownFail(ctx context.Context, machineUUID, errMsg string) {
	o.transition(ctx, cherryd.TypeShutdownFail, machineUUID, errMsg)
}

func (o *Orchestrator) transition(ctx context.Context, t cherryd.MessageType, machineUUID, errMsg string) {
	body := cherryd.BaseBody{UUID: machineUUID}
	if errMsg != "" {
		body.Error = &errMsg
	}

	users, err := o.directory.LinkedUsers(ctx, machineUUID)
	if err != nil {
		o.logger.WithError(err).WithFields(logging.Fields{
			"machine_uuid": machineUUID, "type": string(t),
		}).Error("Failed to resolve linked users, account scope skipped")
	} else {
		o.account.DispatchTo(users, t, body)
	}

	o.machine.DispatchTo([]string{machineUUID}, t, body)
	o.global.DispatchAll(t, body)
	o.logEvent(t, machineUUID)
}

// HandleEvent maps an ingested machine event onto the matching dispatch.
// Unknown event types are logged and dropped.
func (o *Orchestrator) HandleEvent(ctx context.Context, event models.MachineEvent) error {
	switch event.Type {
	case models.EventMachineCreate:
		return o.OnMachineCreate(ctx, event.MachineUUID)
	case models.EventMachineDelete:
		o.OnMachineDelete(event.MachineUUID, event.LinkedUsers)
	case models.EventMachineModify:
		return o.OnMachineModify(ctx, event.MachineUUID)
	case models.EventBootupStart:
		o.OnBootupStart(ctx, event.MachineUUID)
	case models.EventBootupSuccess:
		o.OnBootupSuccess(ctx, event.MachineUUID)
	case models.EventBootupFail:
		o.OnBootupFail(ctx, event.MachineUUID, event.Error)
	case models.EventShutdownStart:
		o.OnShutdownStart(ctx, event.MachineUUID)
	case models.EventShutdownSuccess:
		o.OnShutdownSuccess(ctx, event.MachineUUID)
	case models.EventShutdownFail:
		o.OnShutdownFail(ctx, event.MachineUUID, event.Error)
	default:
		o.logger.WithFields(logging.Fields{
			"type": string(event.Type), "machine_uuid": event.MachineUUID,
		}).Warn("Dropping machine event of unknown type")
	}
	return nil
}

func (o *Orchestrator) logEvent(t cherryd.MessageType, machineUUID string) {
	o.logger.WithFields(logging.Fields{
		"type":         string(t),
		"machine_uuid": machineUUID,
	}).Info("Dispatched machine event")
}
