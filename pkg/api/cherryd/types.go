package cherryd

import (
	"time"
)

// MessageType identifies a websocket message on the wire.
type MessageType string

// Message types pushed to websocket subscribers.
const (
	// Machine lifecycle notifications
	TypeCreate          MessageType = "CREATE"
	TypeDelete          MessageType = "DELETE"
	TypeBootupStart     MessageType = "BOOTUP_START"
	TypeBootupSuccess   MessageType = "BOOTUP_SUCCESS"
	TypeBootupFail      MessageType = "BOOTUP_FAIL"
	TypeShutdownStart   MessageType = "SHUTDOWN_START"
	TypeShutdownSuccess MessageType = "SHUTDOWN_SUCCESS"
	TypeShutdownFail    MessageType = "SHUTDOWN_FAIL"

	// Periodic data broadcasts and connect-time snapshots
	TypeDataStatic             MessageType = "DATA_STATIC"
	TypeDataDynamic            MessageType = "DATA_DYNAMIC"
	TypeDataDynamicDisks       MessageType = "DATA_DYNAMIC_DISKS"
	TypeDataDynamicConnections MessageType = "DATA_DYNAMIC_CONNECTIONS"
)

// Lifecycle reports whether a message type is a lifecycle notification.
// Lifecycle frames are never discarded when a session's send queue fills;
// periodic data frames are.
func (t MessageType) Lifecycle() bool {
	switch t {
	case TypeCreate, TypeDelete,
		TypeBootupStart, TypeBootupSuccess, TypeBootupFail,
		TypeShutdownStart, TypeShutdownSuccess, TypeShutdownFail:
		return true
	default:
		return false
	}
}

// Message is the envelope for every websocket frame the server emits.
// UUID is generated fresh for each envelope instance, even when the same
// logical body fans out to many sessions.
type Message struct {
	UUID string      `json:"uuid"`
	Type MessageType `json:"type"`
	Body interface{} `json:"body"`
}

// BaseBody is the body of DELETE, BOOTUP_* and SHUTDOWN_* frames. Error is
// null except on the *_FAIL variants.
type BaseBody struct {
	UUID  string  `json:"uuid"`
	Error *string `json:"error"`
}

// Close codes used by the websocket endpoints.
const (
	CloseUnauthorized = 4401 // authentication failed
	CloseForbidden    = 4403 // authenticated but lacking permission
	CloseGoingAway    = 4000 // server-initiated disconnect
)

// AccountRef is the slim account view embedded in machine properties.
type AccountRef struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
}

// StaticDiskInfo describes one block device as provisioned.
type StaticDiskInfo struct {
	System    bool   `json:"system"` // true for the boot disk
	Name      string `json:"name"`   // target device, e.g. vda
	SizeBytes int64  `json:"size_bytes"`
	Type      string `json:"type"` // qcow2, raw
}

// DynamicDiskInfo extends StaticDiskInfo with current usage.
type DynamicDiskInfo struct {
	StaticDiskInfo
	OccupiedBytes int64 `json:"occupied_bytes"`
}

// PropertiesPayload describes the parts of a machine that only change
// through an explicit modify operation. Sent as DATA_STATIC (keyed by
// machine uuid) and as the CREATE body.
type PropertiesPayload struct {
	UUID            string                `json:"uuid"`
	Title           *string               `json:"title"`
	Tags            []string              `json:"tags"`
	Description     *string               `json:"description"`
	Owner           *AccountRef           `json:"owner"`
	AssignedClients map[string]AccountRef `json:"assigned_clients"`
	RASPort         *int                  `json:"ras_port"` // remote-access framebuffer port
	Connections     map[string]string     `json:"connections"`
	Disks           []StaticDiskInfo      `json:"disks"`
}

// StatePayload is the frequently refreshed dynamic state of a machine.
// Connection counts deliberately travel in ConnectionsPayload on their own
// cadence, never here.
type StatePayload struct {
	UUID          string     `json:"uuid"`
	Active        bool       `json:"active"`
	Loading       bool       `json:"loading"`
	VCPU          int        `json:"vcpu"`
	RAMMax        int64      `json:"ram_max"`        // MiB
	RAMUsed       int64      `json:"ram_used"`       // MiB, 0 while inactive
	BootTimestamp *time.Time `json:"boot_timestamp"` // null when powered off
}

// DisksPayload carries per-device usage for one machine.
type DisksPayload struct {
	UUID  string            `json:"uuid"`
	Disks []DynamicDiskInfo `json:"disks"`
}

// ConnectionsPayload carries the active remote sessions of a machine.
type ConnectionsPayload struct {
	ActiveConnections []string `json:"active_connections"`
}

// CreateMachineRequest is the POST /api/machines payload. Count > 1
// provisions several identically sized machines with a numeric suffix.
type CreateMachineRequest struct {
	Name        string   `json:"name" binding:"required"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	OS          string   `json:"os,omitempty"`
	VCPU        int      `json:"vcpu" binding:"required"`
	RAMMax      int64    `json:"ram_max" binding:"required"` // MiB
	DiskBytes   int64    `json:"disk_bytes" binding:"required"`
	ClientUUIDs []string `json:"client_uuids,omitempty"`
	Count       int      `json:"count,omitempty"`
}

// ModifyMachineRequest is the PATCH /api/machines/:uuid payload. Nil
// fields are left untouched.
type ModifyMachineRequest struct {
	Name        *string   `json:"name,omitempty"`
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	ClientUUIDs *[]string `json:"client_uuids,omitempty"`
}

// CreateMachineResponse returns the uuids of freshly provisioned machines.
type CreateMachineResponse struct {
	UUIDs []string `json:"uuids"`
}

// MachineResponse is the REST representation of a machine.
type MachineResponse struct {
	UUID          string     `json:"uuid"`
	Name          string     `json:"name"`
	Title         *string    `json:"title,omitempty"`
	OS            string     `json:"os,omitempty"`
	VCPU          int        `json:"vcpu"`
	RAMMax        int64      `json:"ram_max"`
	UserUUIDs     []string   `json:"user_uuids"`
	BootTimestamp *time.Time `json:"boot_timestamp,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// MachineListResponse wraps GET /api/machines.
type MachineListResponse struct {
	Machines []MachineResponse `json:"machines"`
}

// DisconnectResponse reports how many websocket sessions an admin
// disconnect severed.
type DisconnectResponse struct {
	UserUUID string `json:"user_uuid"`
	Closed   int    `json:"closed"`
}

// Sessions summarizes live websocket subscriptions per scope.
type Sessions struct {
	Machine int `json:"machine"`
	Account int `json:"account"`
	Global  int `json:"global"`
}
