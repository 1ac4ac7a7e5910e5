package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	ws "github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/websocket"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/auth"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

// upgrader builds the websocket upgrader for the configured origins. The
// handshake is upgraded before authentication: browsers cannot read HTTP
// error bodies on a failed upgrade, so auth failures are reported as close
// codes on the open socket instead.
func (h *Handlers) upgrader() gorilla.Upgrader {
	allowed := h.cfg.AllowedOrigins
	return gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleMachineSocket serves the per-machine scope. The machine is
// addressed by the machine_uuid query parameter (or the path segment on
// the alias route); the caller must be linked to it or hold VIEW_ALL_VMS.
func (h *Handlers) HandleMachineSocket(c *gin.Context) {
	machineUUID := c.Param("uuid")
	if machineUUID == "" {
		machineUUID = c.Query("machine_uuid")
	}

	conn, claims, ok := h.acceptSocket(c)
	if !ok {
		return
	}

	if machineUUID == "" {
		h.closeWith(conn, cherryd.CloseForbidden, "machine not specified")
		return
	}

	if !models.HasPermission(claims.Permissions, models.PermissionViewAllVMs) {
		linked, err := h.store.IsLinked(c.Request.Context(), machineUUID, claims.UserID)
		if err != nil || !linked {
			h.closeWith(conn, cherryd.CloseForbidden, "forbidden")
			return
		}
	}

	scope := h.orch.MachineScope()
	sess := ws.NewSession(conn, claims.UserID, scope.Name(), h.cfg.SendQueue, h.logger, h.metrics)
	scope.Subscribe(machineUUID, sess)
	h.connections.Track(sess)
	defer func() {
		scope.Unsubscribe(machineUUID, sess.Key())
		h.connections.Untrack(sess)
	}()

	scope.SendSnapshot(c.Request.Context(), machineUUID, sess)
	sess.Listen()
}

// HandleAccountSocket serves the per-account scope covering every machine
// linked to the caller.
func (h *Handlers) HandleAccountSocket(c *gin.Context) {
	conn, claims, ok := h.acceptSocket(c)
	if !ok {
		return
	}

	scope := h.orch.AccountScope()
	sess := ws.NewSession(conn, claims.UserID, scope.Name(), h.cfg.SendQueue, h.logger, h.metrics)
	scope.Subscribe(claims.UserID, sess)
	h.connections.Track(sess)
	defer func() {
		scope.Unsubscribe(claims.UserID, sess.Key())
		h.connections.Untrack(sess)
	}()

	scope.SendSnapshot(c.Request.Context(), claims.UserID, sess)
	sess.Listen()
}

// HandleGlobalSocket serves the administrative scope over every machine.
// Requires VIEW_ALL_VMS.
func (h *Handlers) HandleGlobalSocket(c *gin.Context) {
	conn, claims, ok := h.acceptSocket(c)
	if !ok {
		return
	}

	if !models.HasPermission(claims.Permissions, models.PermissionViewAllVMs) {
		h.closeWith(conn, cherryd.CloseForbidden, "forbidden")
		return
	}

	scope := h.orch.GlobalScope()
	sess := ws.NewSession(conn, claims.UserID, scope.Name(), h.cfg.SendQueue, h.logger, h.metrics)
	scope.Subscribe(struct{}{}, sess)
	h.connections.Track(sess)
	defer func() {
		scope.Unsubscribe(struct{}{}, sess.Key())
		h.connections.Untrack(sess)
	}()

	scope.SendSnapshot(c.Request.Context(), struct{}{}, sess)
	sess.Listen()
}

// acceptSocket upgrades the handshake and authenticates the caller. On
// auth failure the socket is closed with 4401 and ok is false.
func (h *Handlers) acceptSocket(c *gin.Context) (*gorilla.Conn, *auth.Claims, bool) {
	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return nil, nil, false
	}

	token := auth.ExtractToken(c)
	if token == "" {
		h.closeWith(conn, cherryd.CloseUnauthorized, "unauthorized")
		return nil, nil, false
	}

	claims, err := auth.ValidateJWT(token, h.cfg.JWTSecret)
	if err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"remote": conn.RemoteAddr().String(),
		}).Warn("Websocket authentication failed")
		h.closeWith(conn, cherryd.CloseUnauthorized, "unauthorized")
		return nil, nil, false
	}

	return conn, claims, true
}

func (h *Handlers) closeWith(conn *gorilla.Conn, code int, reason string) {
	deadline := time.Now().Add(10 * time.Second)
	_ = conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
