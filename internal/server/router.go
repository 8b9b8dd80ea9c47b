package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"pairsync/internal/auth"
	"pairsync/internal/handler"
	"pairsync/internal/hub"
	"pairsync/internal/middleware"
	"pairsync/internal/pairing"
	"pairsync/internal/statusproto"
)

type Deps struct {
	Controller  *pairing.Controller
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	// Every committed session change fans out to the subscribers of that
	// sub-client, and only those.
	deps.Controller.OnCommit(func(ev pairing.Event) {
		for _, frame := range statusproto.FramesForEvent(string(ev.Kind), ev.Session) {
			deps.Hub.Broadcast(ev.Session.ID, frame.Encode())
		}
	})

	startLimiter := middleware.NewLimiter(10, time.Minute)
	pairingHandler := &handler.PairingHandler{Controller: deps.Controller, StartLimiter: startLimiter}

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.GET("/pair", pairingHandler.List)
	protected.GET("/pair/:subClientId", pairingHandler.State)
	protected.GET("/pair/:subClientId/qr.png", pairingHandler.QRImage)
	protected.POST("/pair/:subClientId/start", pairingHandler.Start)
	protected.POST("/pair/:subClientId/stop", pairingHandler.Stop)
	protected.POST("/pair/:subClientId/unlink", pairingHandler.Unlink)

	wsHandler := &handler.StatusWSHandler{Hub: deps.Hub, Controller: deps.Controller, TokenConfig: deps.TokenConfig}
	r.GET("/ws/status", wsHandler.Serve)

	return r
}
