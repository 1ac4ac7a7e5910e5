// Package handlers exposes the cherryd HTTP surface: the machine
// management REST API, the three websocket subscription endpoints and the
// administrative disconnect endpoint.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/lifecycle"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/machines"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/metrics"
	ws "github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/websocket"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/common"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/ctxkeys"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/kafka"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

const serviceName = "cherryd"

// Config carries the handler knobs that come from the environment.
type Config struct {
	JWTSecret []byte
	// SendQueue is the per-session outbound queue capacity.
	SendQueue int
	// AllowedOrigins restricts websocket handshakes; "*" allows any.
	AllowedOrigins []string
}

// Handlers holds the dependencies of every endpoint.
type Handlers struct {
	manager     *lifecycle.Manager
	store       *machines.Store
	orch        *ws.Orchestrator
	connections *ws.ConnectionManager
	cfg         Config
	logger      logging.Logger
	metrics     *metrics.Metrics
	dlq         *kafka.Producer
	dlqTopic    string
}

// SetDeadLetter routes undecodable machine events to a dead-letter topic
// instead of dropping them outright, preserving the raw record for replay.
func (h *Handlers) SetDeadLetter(p *kafka.Producer, topic string) {
	h.dlq = p
	h.dlqTopic = topic
}

// NewHandlers wires the HTTP surface.
func NewHandlers(manager *lifecycle.Manager, store *machines.Store, orch *ws.Orchestrator, connections *ws.ConnectionManager, cfg Config, logger logging.Logger, m *metrics.Metrics) *Handlers {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = ws.DefaultSendQueue
	}
	return &Handlers{
		manager:     manager,
		store:       store,
		orch:        orch,
		connections: connections,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
	}
}

// caller pulls the authenticated identity out of the gin context.
func caller(c *gin.Context) (userID string, permissions []string) {
	userID = ctxkeys.GetUserID(c.Request.Context())
	if v, ok := c.Get(string(ctxkeys.KeyUserID)); ok {
		if s, ok := v.(string); ok {
			userID = s
		}
	}
	if v, ok := c.Get(string(ctxkeys.KeyPermissions)); ok {
		if p, ok := v.([]string); ok {
			permissions = p
		}
	}
	return userID, permissions
}

// ListMachines returns the caller's machines, or every machine for
// accounts holding VIEW_ALL_VMS.
func (h *Handlers) ListMachines(c *gin.Context) {
	userID, perms := caller(c)

	var (
		list []models.Machine
		err  error
	)
	if models.HasPermission(perms, models.PermissionViewAllVMs) {
		list, err = h.store.List(c.Request.Context())
	} else {
		list, err = h.store.ListByUser(c.Request.Context(), userID)
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to list machines")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{
			Error: "failed to list machines", Service: serviceName,
		})
		return
	}

	resp := cherryd.MachineListResponse{Machines: make([]cherryd.MachineResponse, 0, len(list))}
	for _, m := range list {
		resp.Machines = append(resp.Machines, machineResponse(m))
	}
	c.JSON(http.StatusOK, resp)
}

// GetMachine returns one machine. Existence is checked before linkage so
// unknown uuids yield 404; an existing machine the caller is not linked to
// yields the "machine not managed" error.
func (h *Handlers) GetMachine(c *gin.Context) {
	machineUUID := c.Param("uuid")
	userID, perms := caller(c)

	m, err := h.store.Machine(c.Request.Context(), machineUUID)
	if err != nil {
		h.renderStoreError(c, err, machineUUID)
		return
	}

	if !models.HasPermission(perms, models.PermissionViewAllVMs) {
		linked, err := h.store.IsLinked(c.Request.Context(), machineUUID, userID)
		if err != nil {
			h.logger.WithError(err).Error("Failed to check machine linkage")
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{
				Error: "failed to check machine access", Service: serviceName,
			})
			return
		}
		if !linked {
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{
				Error: "machine not managed", Service: serviceName,
			})
			return
		}
	}

	c.JSON(http.StatusOK, machineResponse(m))
}

// CreateMachine provisions one or more machines. Requires MANAGE_ALL_VMS,
// enforced by router middleware.
func (h *Handlers) CreateMachine(c *gin.Context) {
	var req cherryd.CreateMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{
			Error: err.Error(), Service: serviceName,
		})
		return
	}

	userID, _ := caller(c)
	uuids, err := h.manager.Create(c.Request.Context(), req, userID)
	if err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"name": req.Name, "created": len(uuids),
		}).Error("Failed to create machines")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{
			Error: "failed to create machine", Service: serviceName,
			Details: map[string]interface{}{"created_uuids": uuids},
		})
		return
	}

	c.JSON(http.StatusCreated, cherryd.CreateMachineResponse{UUIDs: uuids})
}

// ModifyMachine updates directory fields and client assignments.
func (h *Handlers) ModifyMachine(c *gin.Context) {
	machineUUID := c.Param("uuid")

	var req cherryd.ModifyMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{
			Error: err.Error(), Service: serviceName,
		})
		return
	}

	if !h.authorizeManage(c, machineUUID) {
		return
	}

	if err := h.manager.Modify(c.Request.Context(), machineUUID, req); err != nil {
		h.renderStoreError(c, err, machineUUID)
		return
	}
	c.JSON(http.StatusOK, common.SuccessResponse{Success: true})
}

// DeleteMachine removes a machine. Requires MANAGE_ALL_VMS, enforced by
// router middleware.
func (h *Handlers) DeleteMachine(c *gin.Context) {
	machineUUID := c.Param("uuid")

	if err := h.manager.Delete(c.Request.Context(), machineUUID); err != nil {
		h.renderStoreError(c, err, machineUUID)
		return
	}
	c.JSON(http.StatusOK, common.SuccessResponse{Success: true})
}

// StartMachine powers a machine on.
func (h *Handlers) StartMachine(c *gin.Context) {
	machineUUID := c.Param("uuid")
	if !h.authorizeManage(c, machineUUID) {
		return
	}

	if err := h.manager.Start(c.Request.Context(), machineUUID); err != nil {
		h.renderStoreError(c, err, machineUUID)
		return
	}
	c.JSON(http.StatusOK, common.SuccessResponse{Success: true})
}

// StopMachine powers a machine off; ?force=true hard-stops it.
func (h *Handlers) StopMachine(c *gin.Context) {
	machineUUID := c.Param("uuid")
	if !h.authorizeManage(c, machineUUID) {
		return
	}

	force := c.Query("force") == "true"
	if err := h.manager.Stop(c.Request.Context(), machineUUID, force); err != nil {
		h.renderStoreError(c, err, machineUUID)
		return
	}
	c.JSON(http.StatusOK, common.SuccessResponse{Success: true})
}

// DisconnectUser severs every websocket session of one account. Guarded
// by the service token in the router.
func (h *Handlers) DisconnectUser(c *gin.Context) {
	userUUID := c.Param("user_uuid")
	closed := h.connections.DisconnectUser(userUUID, cherryd.CloseGoingAway, "disconnected by administrator")

	h.logger.WithFields(logging.Fields{
		"user_uuid": userUUID, "closed": closed,
	}).Info("Administratively disconnected user sessions")
	c.JSON(http.StatusOK, cherryd.DisconnectResponse{UserUUID: userUUID, Closed: closed})
}

// Sessions reports live subscription counts per scope.
func (h *Handlers) Sessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.SessionCounts())
}

// authorizeManage lets linked users and MANAGE_ALL_VMS holders operate on
// a machine. 404 takes precedence over the access error.
func (h *Handlers) authorizeManage(c *gin.Context, machineUUID string) bool {
	userID, perms := caller(c)

	if _, err := h.store.Machine(c.Request.Context(), machineUUID); err != nil {
		h.renderStoreError(c, err, machineUUID)
		return false
	}
	if models.HasPermission(perms, models.PermissionManageAllVMs) {
		return true
	}

	linked, err := h.store.IsLinked(c.Request.Context(), machineUUID, userID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to check machine linkage")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{
			Error: "failed to check machine access", Service: serviceName,
		})
		return false
	}
	if !linked {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{
			Error: "machine not managed", Service: serviceName,
		})
		return false
	}
	return true
}

func (h *Handlers) renderStoreError(c *gin.Context, err error, machineUUID string) {
	switch {
	case errors.Is(err, machines.ErrNotFound):
		c.JSON(http.StatusNotFound, common.ErrorResponse{
			Error: "machine not found", Service: serviceName,
		})
	case errors.Is(err, lifecycle.ErrAlreadyRunning), errors.Is(err, lifecycle.ErrNotRunning):
		c.JSON(http.StatusConflict, common.ErrorResponse{
			Error: err.Error(), Service: serviceName,
		})
	default:
		h.logger.WithError(err).WithFields(logging.Fields{
			"machine_uuid": machineUUID,
		}).Error("Machine operation failed")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{
			Error: "machine operation failed", Service: serviceName,
		})
	}
}

func machineResponse(m models.Machine) cherryd.MachineResponse {
	return cherryd.MachineResponse{
		UUID:          m.UUID,
		Name:          m.Name,
		Title:         m.Title,
		OS:            m.OS,
		VCPU:          m.VCPU,
		RAMMax:        m.RAMMax,
		UserUUIDs:     m.UserUUIDs,
		BootTimestamp: m.BootTimestamp,
		CreatedAt:     m.CreatedAt,
	}
}
