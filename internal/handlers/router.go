package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/auth"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

// RegisterRoutes mounts the REST API, the websocket endpoints and the
// service-guarded admin surface on the router.
func RegisterRoutes(router *gin.Engine, h *Handlers, jwtSecret []byte, serviceToken string) {
	protected := router.Group("")
	protected.Use(auth.JWTAuthMiddleware(jwtSecret))
	{
		protected.GET("/api/machines", h.ListMachines)
		protected.GET("/api/machines/:uuid", h.GetMachine)
		protected.PATCH("/api/machines/:uuid", h.ModifyMachine)
		protected.POST("/api/machines/:uuid/start", h.StartMachine)
		protected.POST("/api/machines/:uuid/stop", h.StopMachine)

		admin := protected.Group("")
		admin.Use(auth.RequirePermission(models.PermissionManageAllVMs))
		{
			admin.POST("/api/machines", h.CreateMachine)
			admin.DELETE("/api/machines/:uuid", h.DeleteMachine)
		}

		// Websocket handshakes pass through the JWT middleware and
		// authenticate on the open socket instead. The machine scope
		// addresses its target via the machine_uuid query parameter; the
		// path form is kept as an alias.
		protected.GET("/ws/machines/subscribed", h.HandleMachineSocket)
		protected.GET("/ws/machines/subscribed/:uuid", h.HandleMachineSocket)
		protected.GET("/ws/machines/account", h.HandleAccountSocket)
		protected.GET("/ws/machines/global", h.HandleGlobalSocket)
	}

	serviceAPI := router.Group("")
	serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
	{
		serviceAPI.POST("/api/admin/disconnect/:user_uuid", h.DisconnectUser)
		serviceAPI.GET("/api/admin/sessions", h.Sessions)
	}
}
