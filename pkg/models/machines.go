package models

import (
	"time"
)

// Machine represents a managed virtual machine as the directory knows it.
// Runtime figures (memory usage, disk allocation, connection counts) come
// from the hypervisor and are not persisted here.
type Machine struct {
	UUID          string     `json:"uuid"`
	Name          string     `json:"name"`
	Title         *string    `json:"title,omitempty"`
	Description   *string    `json:"description,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	OS            string     `json:"os,omitempty"`
	VCPU          int        `json:"vcpu"`
	RAMMax        int64      `json:"ram_max"` // MiB
	UserUUIDs     []string   `json:"user_uuids"`
	BootTimestamp *time.Time `json:"boot_timestamp,omitempty"` // set while the machine is up
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MachineEventType enumerates the lifecycle transitions the orchestrator
// routes to websocket subscribers.
type MachineEventType string

const (
	EventMachineCreate   MachineEventType = "machine_create"
	EventMachineDelete   MachineEventType = "machine_delete"
	EventMachineModify   MachineEventType = "machine_modify"
	EventBootupStart     MachineEventType = "bootup_start"
	EventBootupSuccess   MachineEventType = "bootup_success"
	EventBootupFail      MachineEventType = "bootup_fail"
	EventShutdownStart   MachineEventType = "shutdown_start"
	EventShutdownSuccess MachineEventType = "shutdown_success"
	EventShutdownFail    MachineEventType = "shutdown_fail"
)

// MachineEvent is a lifecycle transition for one machine. LinkedUsers is
// only populated for deletes, where the caller captures the linkage before
// the directory row disappears. Error is only set on the *_fail variants.
type MachineEvent struct {
	Type        MachineEventType `json:"type"`
	MachineUUID string           `json:"machine_uuid"`
	Name        string           `json:"name,omitempty"`
	LinkedUsers []string         `json:"linked_users,omitempty"`
	Error       string           `json:"error,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}
