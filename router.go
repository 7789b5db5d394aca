package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/choraleia/tutorchat/pkg/config"
	"github.com/choraleia/tutorchat/pkg/event"
	"github.com/choraleia/tutorchat/pkg/handler"
	"github.com/choraleia/tutorchat/pkg/models"
	"github.com/choraleia/tutorchat/pkg/service"
	"github.com/choraleia/tutorchat/pkg/utils"
	"github.com/gin-gonic/gin"
)

type Server struct {
	ginEngine *gin.Engine
	cfg       *config.AppConfig
	chat      *service.ChatService
	emitter   *event.Emitter
	logger    *slog.Logger
	port      int
}

func NewServer(cfg *config.AppConfig, chat *service.ChatService, emitter *event.Emitter) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow localhost origins only.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			if !localOrigin(origin) {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		cfg:       cfg,
		chat:      chat,
		emitter:   emitter,
		logger:    utils.GetLogger(),
		port:      cfg.Port(),
	}

	server.SetupRoutes()

	return server
}

func localOrigin(origin string) bool {
	for _, p := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// Start listens on the configured address and serves until ctx is done.
// It returns immediately when the port cannot be bound.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), s.cfg.Port())
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}

	// Record the actual port (useful when configured as 0).
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errChan <- err
	}()

	// Listen for context cancellation for graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return errChan, nil
}

func (s *Server) SetupRoutes() {
	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api")

	// Runtime info for clients discovering base URLs and enabled features.
	apiGroup.GET("/runtime", func(c *gin.Context) {
		host := s.cfg.Host()
		c.JSON(http.StatusOK, models.RuntimeInfo{
			HTTPBaseURL:      fmt.Sprintf("http://%s:%d", host, s.port),
			WSBaseURL:        fmt.Sprintf("ws://%s:%d", host, s.port),
			Port:             s.port,
			DefaultModel:     s.cfg.ModelName(),
			DangerousActions: s.chat.DangerousActionsEnabled(),
		})
	})

	// Sessions, turns, conversations, models
	handler.NewChatHandler(s.chat).RegisterRoutes(apiGroup)

	// Ratings, saved prompts, exports, destructive actions
	handler.NewFeedbackHandler(s.chat).RegisterRoutes(apiGroup)

	// Event notifications
	// /api/events/ws
	apiGroup.GET("/events/ws", event.NewWSHandler(s.emitter).Handle)
}
