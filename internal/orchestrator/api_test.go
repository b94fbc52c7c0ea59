package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qiminjie89/fleetsys/internal/fleet"
	"github.com/qiminjie89/fleetsys/internal/protocol"
	"github.com/qiminjie89/fleetsys/pkg/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.FleetdConfig{}
	cfg.Server.ID = "fleetd-test"
	cfg.Bus.QueueSize = 256
	cfg.Auth.Secret = "test-secret"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Notify.SendChSize = 16
	cfg.Matchmaker.TickInterval = 10 * time.Millisecond

	s, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	rr := httptest.NewRecorder()
	handler(rr, req)

	if out != nil && rr.Code == http.StatusOK {
		if err := json.NewDecoder(rr.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rr
}

func TestRegisterServerEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	var resp map[string]string
	rr := doJSON(t, s.handleRegisterServer, http.MethodPost, "/api/v1/server/register", map[string]interface{}{
		"name":        "srv-01",
		"port":        7777,
		"max_players": 4,
		"game_mode":   "survival",
	}, &resp)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if resp["server_id"] == "" {
		t.Fatal("missing server_id in response")
	}
	if _, ok := s.registry.GetServer(resp["server_id"]); !ok {
		t.Fatal("server not in registry")
	}
}

func TestRegisterServerRejectsBadRequests(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rr := doJSON(t, s.handleRegisterServer, http.MethodGet, "/api/v1/server/register", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rr.Code)
	}

	rr = doJSON(t, s.handleRegisterServer, http.MethodPost, "/api/v1/server/register", map[string]interface{}{
		"name": "no-capacity",
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid body status = %d, want 400", rr.Code)
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	sv := s.registry.RegisterServer(fleet.RegisterRequest{Name: "srv", MaxPlayers: 4, Port: 1}, "10.0.0.1")

	var resp map[string]bool
	doJSON(t, s.handleHeartbeat, http.MethodPost, "/api/v1/server/heartbeat", map[string]interface{}{
		"server_id":       sv.ID,
		"current_players": 2,
		"status":          "ready",
	}, &resp)
	if !resp["known"] {
		t.Fatal("heartbeat for registered server reported unknown")
	}

	// 未知实例同样 200，known=false
	rr := doJSON(t, s.handleHeartbeat, http.MethodPost, "/api/v1/server/heartbeat", map[string]interface{}{
		"server_id": "no-such-id",
		"status":    "ready",
	}, &resp)
	if rr.Code != http.StatusOK || resp["known"] {
		t.Fatalf("unknown heartbeat: status %d known %v", rr.Code, resp["known"])
	}
}

func TestCreateSessionEndpointIssuesToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	var resp map[string]string
	doJSON(t, s.handleCreateSession, http.MethodPost, "/api/v1/session/create", map[string]interface{}{
		"player_id":    "p1",
		"display_name": "Player One",
	}, &resp)

	if resp["session_id"] == "" {
		t.Fatal("missing session_id")
	}
	if resp["token"] == "" {
		t.Fatal("missing resume token")
	}

	claims, err := s.tokens.Validate(resp["token"])
	if err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}
	if claims.SessionID != resp["session_id"] || claims.PlayerID != "p1" {
		t.Fatalf("token claims mismatch: %+v", claims)
	}
}

func TestMatchmakingEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	// 提交时自动补建会话
	var ticket struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	doJSON(t, s.handleSubmitMatchmaking, http.MethodPost, "/api/v1/matchmaking/submit", map[string]interface{}{
		"player_id": "p1",
		"game_mode": "survival",
	}, &ticket)

	if ticket.ID == "" || ticket.Status != "pending" {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
	if _, ok := s.registry.SessionForPlayer("p1"); !ok {
		t.Fatal("submit did not create a session for the player")
	}

	var status MatchmakingStatusResponse
	rr := doJSON(t, s.handleMatchmakingStatus, http.MethodGet,
		"/api/v1/matchmaking/status?ticket_id="+ticket.ID, nil, &status)
	if rr.Code != http.StatusOK {
		t.Fatalf("status query = %d", rr.Code)
	}
	if status.Ticket.StatusName != "pending" || status.Code != 0 {
		t.Fatalf("unexpected status response: %+v", status)
	}

	rr = doJSON(t, s.handleMatchmakingStatus, http.MethodGet,
		"/api/v1/matchmaking/status?ticket_id=nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown ticket status = %d, want 404", rr.Code)
	}

	var ok map[string]string
	rr = doJSON(t, s.handleCancelMatchmaking, http.MethodPost, "/api/v1/matchmaking/cancel", map[string]interface{}{
		"ticket_id": ticket.ID,
		"reason":    "quit",
	}, &ok)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rr.Code)
	}

	rr = doJSON(t, s.handleCancelMatchmaking, http.MethodPost, "/api/v1/matchmaking/cancel", map[string]interface{}{
		"ticket_id": ticket.ID,
	}, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("double cancel = %d, want 404", rr.Code)
	}
}

func TestMatchmakingStatusSurfacesServerGone(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	sv := s.registry.RegisterServer(fleet.RegisterRequest{
		Name: "srv", MaxPlayers: 4, Port: 7777, GameMode: "survival",
	}, "10.0.0.1")
	s.registry.Heartbeat(sv.ID, 0, fleet.StatusReady, nil)

	var ticket struct {
		ID string `json:"id"`
	}
	doJSON(t, s.handleSubmitMatchmaking, http.MethodPost, "/api/v1/matchmaking/submit", map[string]interface{}{
		"player_id": "p1",
		"game_mode": "survival",
	}, &ticket)

	// 匹配循环推进票据，等它拿到分配
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.matchmaker.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		tk, _ := s.matchmaker.GetTicket(ticket.ID)
		if tk.AssignedServerID != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ticket never matched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 分配的服务器在客户端查询前被清理
	s.registry.UnregisterServer(sv.ID, "heartbeat_timeout")

	var status MatchmakingStatusResponse
	rr := doJSON(t, s.handleMatchmakingStatus, http.MethodGet,
		"/api/v1/matchmaking/status?ticket_id="+ticket.ID, nil, &status)
	if rr.Code != http.StatusOK {
		t.Fatalf("status query = %d", rr.Code)
	}
	if status.Code != protocol.CodeServerGone {
		t.Fatalf("code = %d, want server_gone", status.Code)
	}
	if status.Connection != nil {
		t.Fatalf("connection info present for a gone server: %+v", status.Connection)
	}
}

func TestHealthAndScalingEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.registry.RegisterServer(fleet.RegisterRequest{Name: "srv", MaxPlayers: 4, Port: 1}, "10.0.0.1")

	var health HealthStatus
	doJSON(t, s.handleHealth, http.MethodGet, "/health", nil, &health)
	if health.Status != "healthy" || health.Servers != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}

	var scaling map[string]interface{}
	doJSON(t, s.handleScalingStatus, http.MethodGet, "/api/v1/fleet/scaling", nil, &scaling)
	if scaling["total_servers"].(float64) != 1 {
		t.Fatalf("unexpected scaling snapshot: %+v", scaling)
	}
}

func TestRealIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	// 不信任代理时取连接地址
	if got := realIP(req, false); got != "192.0.2.10" {
		t.Fatalf("untrusted realIP = %q", got)
	}
	// 信任代理时取转发链路首跳
	if got := realIP(req, true); got != "203.0.113.7" {
		t.Fatalf("trusted realIP = %q", got)
	}
}

func TestRateLimiterEvictsIdleAndStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := newRateLimiter(ctx, 10, time.Minute)
	rl.allow("192.0.2.1")
	rl.allow("192.0.2.2")

	rl.mu.Lock()
	rl.visitors["192.0.2.1"].lastSeen = time.Now().Add(-15 * time.Minute)
	rl.mu.Unlock()

	rl.evictIdle(10 * time.Minute)

	rl.mu.Lock()
	_, staleKept := rl.visitors["192.0.2.1"]
	_, freshKept := rl.visitors["192.0.2.2"]
	rl.mu.Unlock()

	if staleKept {
		t.Fatal("idle visitor not evicted")
	}
	if !freshKept {
		t.Fatal("active visitor evicted")
	}
	if !rl.allow("192.0.2.1") {
		t.Fatal("evicted visitor should start a fresh limiter")
	}
}
