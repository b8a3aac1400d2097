package gateway

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gridscope/scadasim/internal/scadaerr"
	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

const defaultTelemetryLimit = 1000

func (s *Server) handleHealth(c *gin.Context) {
	var connected, offline int
	for _, rec := range s.deps.Nodes.Records() {
		switch rec.LinkState {
		case model.LinkConnected, model.LinkDegraded:
			connected++
		case model.LinkOffline:
			offline++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"nodes_connected": connected,
		"nodes_offline":   offline,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "username and password are required"))
		return
	}

	session, err := s.deps.Auth.Login(req.Username, req.Password)
	if err != nil {
		if s.deps.Security != nil {
			s.deps.Security.RecordAuthFailure(req.Username, c.ClientIP())
		}
		s.audit(c, req.Username, "auth.login", "session", "", model.AuditFailure, nil)
		writeError(c, err)
		return
	}

	s.audit(c, session.Username, "auth.login", "session", "", model.AuditSuccess, nil)
	c.JSON(http.StatusOK, gin.H{
		"access_token": session.Token,
		"token_type":   "bearer",
		"expires_in":   int(time.Until(session.ExpiresAt).Seconds()),
		"role":         session.Role,
		"permissions":  session.Permissions,
	})
}

func (s *Server) handleGridOverview(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Grid.Latest())
}

func (s *Server) handleNodes(c *gin.Context) {
	records := s.deps.Nodes.Records()
	// The list view omits the latest sample; /nodes/{id} carries it.
	out := make([]model.NodeRuntimeRecord, len(records))
	for i, rec := range records {
		rec.Latest = nil
		out[i] = rec
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleNode(c *gin.Context) {
	rec, ok := s.deps.Nodes.Record(c.Param("id"))
	if !ok {
		writeError(c, scadaerr.Newf(scadaerr.KindNotFound, "node %s not found", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleNodeTelemetry(c *gin.Context) {
	nodeID := c.Param("id")
	if _, ok := s.deps.Nodes.Record(nodeID); !ok {
		writeError(c, scadaerr.Newf(scadaerr.KindNotFound, "node %s not found", nodeID))
		return
	}

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, scadaerr.New(scadaerr.KindValidation, "from must be RFC 3339"))
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, scadaerr.New(scadaerr.KindValidation, "to must be RFC 3339"))
			return
		}
		to = t
	}
	limit := defaultTelemetryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, scadaerr.New(scadaerr.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	samples := s.deps.Store.Query(nodeID, from, to, limit)
	c.JSON(http.StatusOK, gin.H{
		"node_id": nodeID,
		"count":   len(samples),
		"samples": samples,
	})
}

func (s *Server) handleActiveAlarms(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Alarms.Active())
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	claims := s.claims(c)
	alarmID := c.Param("id")

	var req struct {
		OperatorID string `json:"operator_id"`
		Comment    string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "malformed request body"))
		return
	}
	if req.OperatorID != "" && req.OperatorID != claims.Subject {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "operator_id does not match the token subject"))
		return
	}

	if _, err := s.deps.Alarms.Acknowledge(alarmID, claims.Subject, req.Comment); err != nil {
		s.audit(c, claims.Subject, "alarm.acknowledge", "alarm", alarmID, model.AuditFailure, nil)
		writeError(c, err)
		return
	}
	s.audit(c, claims.Subject, "alarm.acknowledge", "alarm", alarmID, model.AuditSuccess, nil)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleBreakerSelect(c *gin.Context) {
	claims := s.claims(c)

	var req struct {
		NodeID     string `json:"node_id" binding:"required"`
		BreakerID  string `json:"breaker_id" binding:"required"`
		Action     string `json:"action" binding:"required"`
		OperatorID string `json:"operator_id"`
		Reason     string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "node_id, breaker_id and action are required"))
		return
	}
	if req.OperatorID != "" && req.OperatorID != claims.Subject {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "operator_id does not match the token subject"))
		return
	}

	session, err := s.deps.SBO.Select(claims.Subject, req.NodeID, req.BreakerID, model.BreakerAction(req.Action), req.Reason)
	if err != nil {
		s.audit(c, claims.Subject, "sbo.select", "breaker", req.NodeID+"/"+req.BreakerID, model.AuditFailure,
			map[string]any{"action": req.Action})
		writeError(c, err)
		return
	}

	s.audit(c, claims.Subject, "sbo.select", "breaker", req.NodeID+"/"+req.BreakerID, model.AuditSuccess,
		map[string]any{"session_id": session.SessionID, "action": req.Action})
	c.JSON(http.StatusOK, gin.H{
		"session_id":       session.SessionID,
		"expires_at":       session.Deadline,
		"time_remaining_s": session.Deadline.Sub(session.ArmedAt).Seconds(),
	})
}

func (s *Server) handleBreakerOperate(c *gin.Context) {
	claims := s.claims(c)

	var req struct {
		SessionID  string `json:"session_id" binding:"required"`
		OperatorID string `json:"operator_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "session_id is required"))
		return
	}
	if req.OperatorID != "" && req.OperatorID != claims.Subject {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "operator_id does not match the token subject"))
		return
	}

	outcome, err := s.deps.SBO.Operate(c.Request.Context(), claims.Subject, req.SessionID)
	if err != nil {
		s.audit(c, claims.Subject, "sbo.operate", "session", req.SessionID, model.AuditFailure, nil)
		writeError(c, err)
		return
	}

	s.audit(c, claims.Subject, "sbo.operate", "session", req.SessionID, model.AuditSuccess,
		map[string]any{"new_state": string(outcome.NewState)})
	c.JSON(http.StatusOK, gin.H{
		"result":            outcome.Session.Result,
		"new_breaker_state": outcome.NewState,
		"response_time_ms":  outcome.ResponseTimeMS,
	})
}

func (s *Server) handleBreakerCancel(c *gin.Context) {
	claims := s.claims(c)

	var req struct {
		SessionID string `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "session_id is required"))
		return
	}

	if _, err := s.deps.SBO.Cancel(claims.Subject, req.SessionID); err != nil {
		s.audit(c, claims.Subject, "sbo.cancel", "session", req.SessionID, model.AuditFailure, nil)
		writeError(c, err)
		return
	}
	s.audit(c, claims.Subject, "sbo.cancel", "session", req.SessionID, model.AuditSuccess, nil)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleIsolation(c *gin.Context) {
	claims := s.claims(c)
	nodeID := c.Param("id")

	var req struct {
		OperatorID string `json:"operator_id"`
		Reason     string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "malformed request body"))
		return
	}

	if _, ok := s.deps.Nodes.Record(nodeID); !ok {
		writeError(c, scadaerr.Newf(scadaerr.KindNotFound, "node %s not found", nodeID))
		return
	}

	if _, err := s.deps.Nodes.Command(c.Request.Context(), nodeID, protocol.Command{Name: protocol.CmdIsolate}); err != nil {
		s.audit(c, claims.Subject, "node.isolate", "node", nodeID, model.AuditFailure,
			map[string]any{"reason": req.Reason})
		writeError(c, err)
		return
	}

	s.audit(c, claims.Subject, "node.isolate", "node", nodeID, model.AuditSuccess,
		map[string]any{"reason": req.Reason})
	c.JSON(http.StatusAccepted, gin.H{"status": "isolation commanded", "node_id": nodeID})
}

func (s *Server) handleSecurityConnections(c *gin.Context) {
	counters := s.deps.Security.Counters()

	byNode := map[string][]model.ConnectionRecord{}
	for _, rec := range s.deps.Security.Connections() {
		byNode[rec.NodeID] = append(byNode[rec.NodeID], rec)
	}
	type nodeConns struct {
		NodeID      string                   `json:"node_id"`
		Connections []model.ConnectionRecord `json:"connections"`
	}
	nodes := make([]nodeConns, 0, len(byNode))
	for id, conns := range byNode {
		nodes = append(nodes, nodeConns{NodeID: id, Connections: conns})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

	c.JSON(http.StatusOK, gin.H{
		"authorised": counters.Authorised,
		"unknown":    counters.Unknown,
		"blocked":    counters.Blocked,
		"by_node":    nodes,
	})
}

func (s *Server) handleSecurityEvents(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, scadaerr.New(scadaerr.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, s.deps.Security.Events(limit))
}

func (s *Server) handleSecurityBlock(c *gin.Context) {
	claims := s.claims(c)

	var req struct {
		ClientIP string `json:"client_ip" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, scadaerr.New(scadaerr.KindValidation, "client_ip is required"))
		return
	}

	if err := s.deps.Security.Block(c.Request.Context(), req.ClientIP, claims.Subject); err != nil {
		s.audit(c, claims.Subject, "security.block", "ip", req.ClientIP, model.AuditFailure, nil)
		writeError(c, err)
		return
	}
	s.audit(c, claims.Subject, "security.block", "ip", req.ClientIP, model.AuditSuccess, nil)
	c.JSON(http.StatusAccepted, gin.H{"status": "block issued", "client_ip": req.ClientIP})
}

func (s *Server) handleAuditLog(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, scadaerr.New(scadaerr.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, s.deps.Trail.Recent(limit))
}

func (s *Server) handleUsers(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Auth.Users())
}
