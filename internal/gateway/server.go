// Package gateway is the master's external surface: the REST API, the
// dashboard WebSocket endpoint and the metrics listener.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gridscope/scadasim/internal/auth"
	"github.com/gridscope/scadasim/internal/bus"
	"github.com/gridscope/scadasim/internal/config"
	"github.com/gridscope/scadasim/internal/control"
	"github.com/gridscope/scadasim/internal/metrics"
	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

// NodeView is the registry surface the handlers need.
type NodeView interface {
	Records() []model.NodeRuntimeRecord
	Record(nodeID string) (model.NodeRuntimeRecord, bool)
	Command(ctx context.Context, nodeID string, cmd protocol.Command) (protocol.Reply, error)
}

// GridView supplies the aggregator rollup.
type GridView interface {
	Latest() model.GridSnapshot
}

// TelemetryQuery reads the sample ring buffers.
type TelemetryQuery interface {
	Query(nodeID string, from, to time.Time, limit int) []model.TelemetrySample
}

// AlarmAPI is the alarm engine surface.
type AlarmAPI interface {
	Active() []model.Alarm
	Acknowledge(alarmID, operator, comment string) (model.Alarm, error)
}

// SBOAPI is the select-before-operate surface.
type SBOAPI interface {
	Select(operator, nodeID, breakerID string, action model.BreakerAction, reason string) (model.SBOSession, error)
	Operate(ctx context.Context, operator, sessionID string) (control.OperateOutcome, error)
	Cancel(operator, sessionID string) (model.SBOSession, error)
}

// SecurityAPI is the security engine surface.
type SecurityAPI interface {
	Connections() []model.ConnectionRecord
	Counters() bus.SecurityCounters
	Events(limit int) []model.SecurityEvent
	Block(ctx context.Context, ip, operator string) error
	RecordAuthFailure(username, ip string)
	RecordPermissionDenied(operator, ip, permission string)
}

// Broker is the fan-out bus surface used by the WebSocket server.
type Broker interface {
	Subscribe() *bus.Subscriber
	Unsubscribe(id uuid.UUID)
}

// Deps bundles everything the gateway serves.
type Deps struct {
	Auth     *auth.Service
	Trail    *auth.Trail
	Grid     GridView
	Store    TelemetryQuery
	Nodes    NodeView
	Alarms   AlarmAPI
	SBO      SBOAPI
	Security SecurityAPI
	Broker   Broker
	Metrics  *metrics.Metrics
}

// Server owns the HTTP and WebSocket listeners.
type Server struct {
	logger *slog.Logger
	cfg    config.MasterConfig
	deps   Deps
	router *gin.Engine

	api *http.Server
	ws  *http.Server
}

// NewServer builds the routers. Listeners start in Run.
func NewServer(logger *slog.Logger, cfg config.MasterConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		logger: logger.With("component", "gateway"),
		cfg:    cfg,
		deps:   deps,
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the REST handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery())

	r.GET("/health", s.handleHealth)
	r.POST("/auth/login", s.handleLogin)

	authed := r.Group("/", s.authenticate())
	{
		authed.GET("/grid/overview", s.requirePerm(auth.PermGridRead), s.handleGridOverview)
		authed.GET("/nodes", s.requirePerm(auth.PermNodesRead), s.handleNodes)
		authed.GET("/nodes/:id", s.requirePerm(auth.PermNodesRead), s.handleNode)
		authed.GET("/nodes/:id/telemetry", s.requirePerm(auth.PermHistorianRead), s.handleNodeTelemetry)

		authed.GET("/alarms/active", s.requirePerm(auth.PermAlarmsRead), s.handleActiveAlarms)
		authed.POST("/alarms/:id/acknowledge", s.requirePerm(auth.PermAlarmsAck), s.handleAcknowledge)

		authed.POST("/control/breaker/select", s.requirePerm(auth.PermControlBreaker), s.handleBreakerSelect)
		authed.POST("/control/breaker/operate", s.requirePerm(auth.PermControlBreaker), s.handleBreakerOperate)
		authed.POST("/control/breaker/cancel", s.requirePerm(auth.PermControlBreaker), s.handleBreakerCancel)
		authed.POST("/control/isolation/:id", s.requirePerm(auth.PermControlIsolate), s.handleIsolation)

		authed.GET("/security/connections", s.requirePerm(auth.PermSecurityView), s.handleSecurityConnections)
		authed.GET("/security/events", s.requirePerm(auth.PermSecurityView), s.handleSecurityEvents)
		authed.POST("/security/block", s.requirePerm(auth.PermAdminSecurity), s.handleSecurityBlock)
		authed.GET("/security/audit", s.requirePerm(auth.PermAdminAudit), s.handleAuditLog)

		authed.GET("/admin/users", s.requirePerm(auth.PermAdminUsers), s.handleUsers)
	}
	return r
}

// Run serves the REST and WebSocket listeners until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.api = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws/grid", s.handleWS)
	s.ws = &http.Server{Addr: s.cfg.WSAddr, Handler: wsMux}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("http listening", "addr", s.cfg.HTTPAddr)
		errCh <- s.api.ListenAndServe()
	}()
	go func() {
		s.logger.Info("websocket listening", "addr", s.cfg.WSAddr)
		errCh <- s.ws.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown closes both listeners with a short grace period.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.api != nil {
		_ = s.api.Shutdown(ctx)
	}
	if s.ws != nil {
		_ = s.ws.Shutdown(ctx)
	}
}
