package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"instapc-server/internal/auth"
	"instapc-server/internal/clock"
	"instapc-server/internal/handler"
	"instapc-server/internal/lifecycle"
	"instapc-server/internal/middleware"
	"instapc-server/internal/session"
	"instapc-server/internal/store"
)

type Deps struct {
	Store       *store.Store
	Controller  *lifecycle.Controller
	Sessions    *session.Manager
	TokenConfig auth.TokenConfig
	Clock       clock.Clock
	Logger      *slog.Logger

	ConnectSettleDelay time.Duration
	UpgradeTTL         time.Duration
	// CreateLimiter throttles POST /vm per user. Nil disables it.
	CreateLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	vmHandler := &handler.VMHandler{
		Controller:  deps.Controller,
		VMs:         deps.Store,
		Sessions:    deps.Sessions,
		Clock:       deps.Clock,
		SettleDelay: deps.ConnectSettleDelay,
		Logger:      logger,
	}

	requireAuth := middleware.RequireAuth(deps.TokenConfig, logger)
	r.GET("/vms", requireAuth, vmHandler.List)

	create := []gin.HandlerFunc{requireAuth}
	if deps.CreateLimiter != nil {
		create = append(create, middleware.RateLimitByUser(deps.CreateLimiter))
	}
	r.POST("/vm", append(create, vmHandler.Create)...)

	owned := r.Group("/vm/:id")
	owned.Use(requireAuth, middleware.EnsureVMOwnership(deps.Store))
	owned.GET("", vmHandler.Get)
	owned.PATCH("", vmHandler.Update)
	owned.DELETE("", vmHandler.Delete)
	owned.GET("/status", vmHandler.Status)
	owned.POST("/start", vmHandler.Start)
	owned.POST("/stop", vmHandler.Stop)
	owned.POST("/connect", vmHandler.Connect)

	tunnel := &handler.TunnelHandler{
		Sessions:   deps.Sessions,
		UpgradeTTL: deps.UpgradeTTL,
		Logger:     logger,
	}
	r.NoRoute(tunnel.Serve)

	return r
}
