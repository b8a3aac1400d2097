package rtu

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RestServer is the node's read-only status surface.
type RestServer struct {
	logger *slog.Logger
	node   *Node
	addr   string
	srv    *http.Server
}

func NewRestServer(logger *slog.Logger, node *Node, addr string) *RestServer {
	gin.SetMode(gin.ReleaseMode)
	s := &RestServer{
		logger: logger.With("component", "rtu-rest", "node_id", node.Descriptor().NodeID),
		node:   node,
		addr:   addr,
	}
	r := gin.New()
	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/telemetry", s.handleTelemetry)
	r.GET("/connections", s.handleConnections)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *RestServer) Handler() http.Handler { return s.srv.Handler }

func (s *RestServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("rest listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"node_id": s.node.Descriptor().NodeID,
	})
}

func (s *RestServer) handleStatus(c *gin.Context) {
	spill, dropped := s.node.SpillDepth()
	c.JSON(http.StatusOK, gin.H{
		"descriptor":    s.node.Descriptor(),
		"breakers":      s.node.Breakers(),
		"sequence":      s.node.Sequence(),
		"spill_depth":   spill,
		"spill_dropped": dropped,
	})
}

func (s *RestServer) handleTelemetry(c *gin.Context) {
	sample, ok := s.node.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"kind": "unavailable", "message": "no sample yet"},
		})
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *RestServer) handleConnections(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Connections())
}
