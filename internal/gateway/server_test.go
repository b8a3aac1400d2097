package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/scadasim/internal/auth"
	"github.com/gridscope/scadasim/internal/bus"
	"github.com/gridscope/scadasim/internal/config"
	"github.com/gridscope/scadasim/internal/control"
	"github.com/gridscope/scadasim/internal/scadaerr"
	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

type fakeGrid struct{ snapshot model.GridSnapshot }

func (f *fakeGrid) Latest() model.GridSnapshot { return f.snapshot }

type fakeStore struct{ samples []model.TelemetrySample }

func (f *fakeStore) Query(string, time.Time, time.Time, int) []model.TelemetrySample {
	return f.samples
}

type fakeNodes struct {
	records  []model.NodeRuntimeRecord
	commands []protocol.Command
	cmdErr   error
}

func (f *fakeNodes) Records() []model.NodeRuntimeRecord { return f.records }

func (f *fakeNodes) Record(nodeID string) (model.NodeRuntimeRecord, bool) {
	for _, rec := range f.records {
		if rec.Descriptor.NodeID == nodeID {
			return rec, true
		}
	}
	return model.NodeRuntimeRecord{}, false
}

func (f *fakeNodes) Command(_ context.Context, _ string, cmd protocol.Command) (protocol.Reply, error) {
	f.commands = append(f.commands, cmd)
	return protocol.Reply{Result: "ok"}, f.cmdErr
}

type fakeAlarms struct {
	active []model.Alarm
	ackErr error
	acked  []string
}

func (f *fakeAlarms) Active() []model.Alarm { return f.active }

func (f *fakeAlarms) Acknowledge(alarmID, operator, _ string) (model.Alarm, error) {
	if f.ackErr != nil {
		return model.Alarm{}, f.ackErr
	}
	f.acked = append(f.acked, alarmID+"/"+operator)
	return model.Alarm{AlarmID: alarmID, State: model.AlarmAcknowledged}, nil
}

type fakeSBO struct {
	session    model.SBOSession
	selectErr  error
	outcome    control.OperateOutcome
	operateErr error
}

func (f *fakeSBO) Select(operator, nodeID, breakerID string, action model.BreakerAction, reason string) (model.SBOSession, error) {
	if f.selectErr != nil {
		return model.SBOSession{}, f.selectErr
	}
	s := f.session
	s.Operator = operator
	s.NodeID = nodeID
	s.BreakerID = breakerID
	s.Action = action
	s.Reason = reason
	return s, nil
}

func (f *fakeSBO) Operate(context.Context, string, string) (control.OperateOutcome, error) {
	return f.outcome, f.operateErr
}

func (f *fakeSBO) Cancel(string, string) (model.SBOSession, error) {
	return model.SBOSession{State: model.SBOCancelled}, nil
}

type fakeSecurity struct {
	conns        []model.ConnectionRecord
	counters     bus.SecurityCounters
	events       []model.SecurityEvent
	blocked      []string
	authFailures []string
	denied       []string
}

func (f *fakeSecurity) Connections() []model.ConnectionRecord { return f.conns }
func (f *fakeSecurity) Counters() bus.SecurityCounters        { return f.counters }
func (f *fakeSecurity) Events(int) []model.SecurityEvent      { return f.events }

func (f *fakeSecurity) Block(_ context.Context, ip, _ string) error {
	f.blocked = append(f.blocked, ip)
	return nil
}

func (f *fakeSecurity) RecordAuthFailure(username, _ string) {
	f.authFailures = append(f.authFailures, username)
}

func (f *fakeSecurity) RecordPermissionDenied(operator, _, permission string) {
	f.denied = append(f.denied, operator+"/"+permission)
}

type harness struct {
	server   *Server
	trail    *auth.Trail
	nodes    *fakeNodes
	alarms   *fakeAlarms
	sbo      *fakeSBO
	security *fakeSecurity
	broker   *bus.Bus
}

func testConfig() *config.Config {
	return &config.Config{
		Master: config.MasterConfig{
			HTTPAddr:             ":0",
			WSAddr:               ":0",
			JWTSecret:            "test-secret",
			TokenLifetimeMinutes: 60,
		},
		Users: []config.UserEntry{
			{Username: "admin", Password: "admin@2024", Role: auth.RoleAdmin},
			{Username: "op-1", Password: "operator@2024", Role: auth.RoleOperator},
			{Username: "eng-1", Password: "engineer@2024", Role: auth.RoleEngineer},
			{Username: "viewer", Password: "viewer@2024", Role: auth.RoleViewer},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()
	cfg := testConfig()

	svc, err := auth.NewService(logger, cfg, nil)
	require.NoError(t, err)
	trail := auth.NewTrail(logger, nil)
	broker := bus.New(logger, nil)

	h := &harness{
		trail: trail,
		nodes: &fakeNodes{records: []model.NodeRuntimeRecord{
			{
				Descriptor: model.NodeDescriptor{NodeID: "GEN-001", Kind: model.KindGeneration},
				LinkState:  model.LinkConnected,
				Latest:     &model.TelemetrySample{NodeID: "GEN-001", Sequence: 7, FrequencyHz: 50.01},
			},
			{
				Descriptor: model.NodeDescriptor{NodeID: "SUB-001", Kind: model.KindSubstation},
				LinkState:  model.LinkDegraded,
			},
			{
				Descriptor: model.NodeDescriptor{NodeID: "DIST-001", Kind: model.KindDistribution},
				LinkState:  model.LinkOffline,
			},
		}},
		alarms:   &fakeAlarms{},
		sbo:      &fakeSBO{},
		security: &fakeSecurity{},
		broker:   broker,
	}
	h.server = NewServer(logger, cfg.Master, Deps{
		Auth:     svc,
		Trail:    trail,
		Grid:     &fakeGrid{snapshot: model.GridSnapshot{SystemFrequencyHz: 50.02, NodesOnline: 2}},
		Store:    &fakeStore{},
		Nodes:    h.nodes,
		Alarms:   h.alarms,
		SBO:      h.sbo,
		Security: h.security,
		Broker:   broker,
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	return w
}

func (h *harness) login(t *testing.T, username, password string) string {
	t.Helper()
	w := h.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Greater(t, resp.ExpiresIn, 0)
	return resp.AccessToken
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.EqualValues(t, 2, resp["nodes_connected"]) // Connected + Degraded
	assert.EqualValues(t, 1, resp["nodes_offline"])
}

func TestLoginAndOverview(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "op-1", "operator@2024")

	w := h.do(t, http.MethodGet, "/grid/overview", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap model.GridSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 50.02, snap.SystemFrequencyHz)
}

func TestLoginFailureRaisesSecurityEvent(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "op-1", "password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(scadaerr.KindAuthFailure), body.Error.Kind)
	assert.Equal(t, []string{"op-1"}, h.security.authFailures)
}

func TestMissingOrBadTokenRejected(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/nodes", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(scadaerr.KindAuthFailure), body.Error.Kind)

	w = h.do(t, http.MethodGet, "/nodes", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestViewerCannotMutate(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "viewer", "viewer@2024")

	mutating := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/alarms/abc/acknowledge", map[string]string{}},
		{http.MethodPost, "/control/breaker/select", map[string]string{"node_id": "SUB-001", "breaker_id": "BRK-01", "action": "open"}},
		{http.MethodPost, "/control/breaker/operate", map[string]string{"session_id": "s"}},
		{http.MethodPost, "/control/breaker/cancel", map[string]string{"session_id": "s"}},
		{http.MethodPost, "/control/isolation/SUB-001", map[string]string{}},
		{http.MethodPost, "/security/block", map[string]string{"client_ip": "10.0.0.9"}},
	}
	for _, tc := range mutating {
		w := h.do(t, tc.method, tc.path, token, tc.body)
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s", tc.method, tc.path)
		var body errorBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, string(scadaerr.KindPermissionDenied), body.Error.Kind)
	}

	// Each denial becomes a security event and a Denied audit entry.
	assert.Len(t, h.security.denied, len(mutating))
	entries := h.trail.Recent(0)
	denied := 0
	for _, e := range entries {
		if e.Result == model.AuditDenied {
			denied++
		}
	}
	assert.Equal(t, len(mutating), denied)

	// Reads the viewer role does hold still work.
	w := h.do(t, http.MethodGet, "/alarms/active", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Security surfaces need engineer or admin.
	w = h.do(t, http.MethodGet, "/security/connections", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = h.do(t, http.MethodGet, "/security/audit", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNodesEndpoints(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "viewer", "viewer@2024")

	w := h.do(t, http.MethodGet, "/nodes", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.NodeRuntimeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 3)
	for _, rec := range list {
		assert.Nil(t, rec.Latest)
	}

	w = h.do(t, http.MethodGet, "/nodes/GEN-001", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.NodeRuntimeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.NotNil(t, rec.Latest)
	assert.EqualValues(t, 7, rec.Latest.Sequence)

	w = h.do(t, http.MethodGet, "/nodes/GEN-999", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/nodes/GEN-001/telemetry?from=yesterday", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/nodes/GEN-001/telemetry?limit=-3", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAcknowledgeAlarm(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "op-1", "operator@2024")

	w := h.do(t, http.MethodPost, "/alarms/al-1/acknowledge", token,
		map[string]string{"operator_id": "op-1", "comment": "seen"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"al-1/op-1"}, h.alarms.acked)

	// operator_id must match the token subject.
	w = h.do(t, http.MethodPost, "/alarms/al-1/acknowledge", token,
		map[string]string{"operator_id": "someone-else"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.alarms.ackErr = scadaerr.New(scadaerr.KindConflict, "alarm already cleared")
	w = h.do(t, http.MethodPost, "/alarms/al-2/acknowledge", token, map[string]string{})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBreakerSelectOperateFlow(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "op-1", "operator@2024")

	armedAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h.sbo.session = model.SBOSession{
		SessionID: "sess-1",
		State:     model.SBOArmed,
		ArmedAt:   armedAt,
		Deadline:  armedAt.Add(10 * time.Second),
	}
	h.sbo.outcome = control.OperateOutcome{
		Session:        model.SBOSession{SessionID: "sess-1", State: model.SBOOperated, Result: "Success"},
		NewState:       model.BreakerOpen,
		ResponseTimeMS: 38,
	}

	w := h.do(t, http.MethodPost, "/control/breaker/select", token, map[string]string{
		"node_id": "SUB-001", "breaker_id": "BRK-01", "action": "open", "reason": "maintenance",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sel struct {
		SessionID      string  `json:"session_id"`
		TimeRemainingS float64 `json:"time_remaining_s"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sel))
	assert.Equal(t, "sess-1", sel.SessionID)
	assert.Equal(t, 10.0, sel.TimeRemainingS)

	w = h.do(t, http.MethodPost, "/control/breaker/operate", token,
		map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var op struct {
		Result          string `json:"result"`
		NewBreakerState string `json:"new_breaker_state"`
		ResponseTimeMS  int64  `json:"response_time_ms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &op))
	assert.Equal(t, "Success", op.Result)
	assert.Equal(t, string(model.BreakerOpen), op.NewBreakerState)
	assert.EqualValues(t, 38, op.ResponseTimeMS)
}

func TestExpiredOperateIsAudited(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "op-1", "operator@2024")
	h.sbo.operateErr = scadaerr.New(scadaerr.KindConflict, "session expired")

	w := h.do(t, http.MethodPost, "/control/breaker/operate", token,
		map[string]string{"session_id": "sess-9"})
	require.Equal(t, http.StatusConflict, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Error.Message, "expired")

	var found bool
	for _, e := range h.trail.Recent(0) {
		if e.Action == "sbo.operate" && e.Result == model.AuditFailure && e.ResourceID == "sess-9" {
			found = true
		}
	}
	assert.True(t, found, "failed operate must leave an audit entry")
}

func TestIsolationRequiresEngineer(t *testing.T) {
	h := newHarness(t)

	opToken := h.login(t, "op-1", "operator@2024")
	w := h.do(t, http.MethodPost, "/control/isolation/SUB-001", opToken, map[string]string{})
	assert.Equal(t, http.StatusForbidden, w.Code)

	engToken := h.login(t, "eng-1", "engineer@2024")
	w = h.do(t, http.MethodPost, "/control/isolation/SUB-001", engToken,
		map[string]string{"reason": "storm cell"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, h.nodes.commands, 1)
	assert.Equal(t, protocol.CmdIsolate, h.nodes.commands[0].Name)

	w = h.do(t, http.MethodPost, "/control/isolation/NOPE-1", engToken, map[string]string{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSecuritySurfaces(t *testing.T) {
	h := newHarness(t)
	h.security.counters = bus.SecurityCounters{Authorised: 4, Unknown: 1, Blocked: 2}
	h.security.conns = []model.ConnectionRecord{
		{NodeID: "SUB-001", ClientIP: "10.0.0.5", Protocol: model.ProtoModbus, Status: model.ConnUnknown},
		{NodeID: "GEN-001", ClientIP: "10.0.0.2", Protocol: model.ProtoREST, Status: model.ConnAuthorised},
	}

	engToken := h.login(t, "eng-1", "engineer@2024")
	w := h.do(t, http.MethodGet, "/security/connections", engToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Authorised int `json:"authorised"`
		Unknown    int `json:"unknown"`
		ByNode     []struct {
			NodeID string `json:"node_id"`
		} `json:"by_node"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Authorised)
	assert.Equal(t, 1, resp.Unknown)
	require.Len(t, resp.ByNode, 2)
	assert.Equal(t, "GEN-001", resp.ByNode[0].NodeID)

	// Engineers can view but not block.
	w = h.do(t, http.MethodPost, "/security/block", engToken, map[string]string{"client_ip": "10.0.0.5"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	adminToken := h.login(t, "admin", "admin@2024")
	w = h.do(t, http.MethodPost, "/security/block", adminToken, map[string]string{"client_ip": "10.0.0.5"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"10.0.0.5"}, h.security.blocked)

	w = h.do(t, http.MethodGet, "/security/audit?limit=5", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.AuditEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "security.block", entries[0].Action)
}

func TestWebSocketFirstFrameIsSnapshot(t *testing.T) {
	h := newHarness(t)
	token := h.login(t, "viewer", "viewer@2024")

	srv := httptest.NewServer(http.HandlerFunc(h.server.handleWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first bus.FullStateSnapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, bus.TypeFullStateSnapshot, first.Type)
	assert.Equal(t, 50.02, first.Grid.SystemFrequencyHz)
	assert.Len(t, first.Nodes, 3)

	// A published update arrives as the next frame.
	h.broker.Publish(bus.NewNodeStateChanged("SUB-001", model.LinkDegraded, model.LinkConnected))
	var next map[string]any
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, bus.TypeNodeStateChanged, next["type"])
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	h := newHarness(t)

	srv := httptest.NewServer(http.HandlerFunc(h.server.handleWS))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownSubscriberUnsubscribeIsSafe(t *testing.T) {
	h := newHarness(t)
	h.broker.Unsubscribe(uuid.New())
}
