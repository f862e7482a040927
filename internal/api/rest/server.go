package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/api/websocket"
	"github.com/KevinKickass/OpenPressCore/internal/auth"
	"github.com/KevinKickass/OpenPressCore/internal/config"
	"github.com/KevinKickass/OpenPressCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
	wsHub  *websocket.Hub
	tokens *auth.JWTHandler
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, tokens *auth.JWTHandler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
		wsHub:  wsHub,
		tokens: tokens,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== PRESSES ====================
		presses := v1.Group("/presses")
		presses.Use(s.tokens.Middleware())
		{
			presses.GET("", auth.RequirePermission(auth.PermView), s.listPresses)
			presses.GET("/:id", auth.RequirePermission(auth.PermView), s.getPress)
			presses.GET("/:id/runs", auth.RequirePermission(auth.PermView), s.listRuns)

			presses.POST("/:id/command", auth.RequirePermission(auth.PermOperate), s.executePressCommand)
			presses.PUT("/:id/target", auth.RequirePermission(auth.PermOperate), s.setPressTarget)
		}

		// ==================== BUS ====================
		bus := v1.Group("/bus")
		bus.Use(s.tokens.Middleware())
		bus.Use(auth.RequirePermission(auth.PermView))
		{
			bus.GET("/state", s.getBusState)
			bus.GET("/quality", s.getBusQuality)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.tokens.Middleware())
		system.Use(auth.RequirePermission(auth.PermView))
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.tokens.Middleware(), auth.RequirePermission(auth.PermView), s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}
