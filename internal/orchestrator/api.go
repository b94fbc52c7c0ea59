package orchestrator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/fleet"
	"github.com/qiminjie89/fleetsys/internal/match"
	"github.com/qiminjie89/fleetsys/internal/protocol"
	"github.com/qiminjie89/fleetsys/pkg/logger"
)

// runAPIServer 运行对外 HTTP API
func (s *Server) runAPIServer() {
	mux := http.NewServeMux()

	// 游戏服务器侧
	mux.HandleFunc("/api/v1/server/register", s.handleRegisterServer)
	mux.HandleFunc("/api/v1/server/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/v1/server/unregister", s.handleUnregisterServer)
	mux.HandleFunc("/api/v1/server/game_ended", s.handleGameEnded)

	// 客户端侧
	mux.HandleFunc("/api/v1/session/create", s.handleCreateSession)
	mux.HandleFunc("/api/v1/session/end", s.handleEndSession)
	mux.HandleFunc("/api/v1/matchmaking/submit", s.handleSubmitMatchmaking)
	mux.HandleFunc("/api/v1/matchmaking/status", s.handleMatchmakingStatus)
	mux.HandleFunc("/api/v1/matchmaking/cancel", s.handleCancelMatchmaking)

	// 运维侧
	mux.HandleFunc("/api/v1/fleet/scaling", s.handleScalingStatus)
	mux.HandleFunc("/api/v1/fleet/servers", s.handleListServers)
	mux.HandleFunc("/api/v1/history/recent", s.handleHistoryRecent)
	mux.HandleFunc("/health", s.handleHealth)

	// 事件流
	mux.HandleFunc("/ws/events", s.hub.handleWS)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.APIAddr,
		Handler: s.rateLimitMiddleware(s.loggingMiddleware(mux)),
	}

	logger.Info("starting api server", zap.String("addr", s.cfg.Server.APIAddr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("api server error", zap.Error(err))
	}
}

// ========== 服务器侧接口 ==========

// RegisterServerRequest 服务器注册请求
type RegisterServerRequest struct {
	Name       string `json:"name"`
	Port       int    `json:"port"`
	MaxPlayers int    `json:"max_players"`
	MapName    string `json:"map_name"`
	GameMode   string `json:"game_mode"`
	Version    string `json:"version"`
}

// handleRegisterServer 处理服务器注册
func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.MaxPlayers <= 0 || req.Port <= 0 {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	view := s.registry.RegisterServer(fleet.RegisterRequest{
		Name:       req.Name,
		Port:       req.Port,
		MaxPlayers: req.MaxPlayers,
		GameMode:   req.GameMode,
		MapName:    req.MapName,
		Version:    req.Version,
	}, realIP(r, s.cfg.Server.TrustProxy))

	writeJSON(w, http.StatusOK, map[string]string{"server_id": view.ID})
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	ServerID       string            `json:"server_id"`
	CurrentPlayers int               `json:"current_players"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// handleHeartbeat 处理心跳
// 未知 server_id 是无操作而非错误：调用方可能与注销竞争
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	known := s.registry.Heartbeat(req.ServerID, req.CurrentPlayers, fleet.ParseServerStatus(req.Status), req.Metadata)
	writeJSON(w, http.StatusOK, map[string]bool{"known": known})
}

// UnregisterServerRequest 注销请求
type UnregisterServerRequest struct {
	ServerID string `json:"server_id"`
	Reason   string `json:"reason"`
}

// handleUnregisterServer 处理服务器注销
func (s *Server) handleUnregisterServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req UnregisterServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	s.registry.UnregisterServer(req.ServerID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GameEndedRequest 对局结束上报
type GameEndedRequest struct {
	ServerID  string         `json:"server_id"`
	FinalWave int            `json:"final_wave"`
	Scores    map[string]int `json:"scores,omitempty"`
}

// handleGameEnded 处理对局结束上报
func (s *Server) handleGameEnded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req GameEndedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	_, ok := s.games.ReportGameEnded(req.ServerID, req.FinalWave, req.Scores)
	writeJSON(w, http.StatusOK, map[string]bool{"known": ok})
}

// ========== 客户端侧接口 ==========

// CreateSessionRequest 会话创建请求
type CreateSessionRequest struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
}

// handleCreateSession 处理会话创建（幂等重连）
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	sv := s.registry.CreatePlayerSession(req.PlayerID, req.DisplayName)

	resp := map[string]string{"session_id": sv.ID}
	if s.tokens != nil {
		if token, err := s.tokens.Issue(sv.ID, sv.PlayerID); err == nil {
			resp["token"] = token
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// EndSessionRequest 会话结束请求
type EndSessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// handleEndSession 处理会话结束
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EndSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if !s.registry.EndPlayerSession(req.SessionID, req.Reason) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitMatchmakingRequest 匹配提交请求
type SubmitMatchmakingRequest struct {
	PlayerID        string   `json:"player_id"`
	PartyIDs        []string `json:"party_ids,omitempty"`
	GameMode        string   `json:"game_mode"`
	PreferredRegion string   `json:"preferred_region,omitempty"`
}

// handleSubmitMatchmaking 处理匹配提交
func (s *Server) handleSubmitMatchmaking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubmitMatchmakingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	// 匹配要求玩家已有会话，缺失时按玩家 ID 建会话
	if _, ok := s.registry.SessionForPlayer(req.PlayerID); !ok {
		s.registry.CreatePlayerSession(req.PlayerID, req.PlayerID)
	}

	t := s.matchmaker.Submit(req.PlayerID, req.PartyIDs, req.GameMode, req.PreferredRegion)
	writeJSON(w, http.StatusOK, t)
}

// MatchmakingStatusResponse 匹配状态响应
type MatchmakingStatusResponse struct {
	Ticket     match.Ticket    `json:"ticket"`
	Connection *ConnectionInfo `json:"connection,omitempty"`
	Code       int             `json:"code"`
	Message    string          `json:"message,omitempty"`
}

// ConnectionInfo 已分配服务器的连接信息
type ConnectionInfo struct {
	ServerID string `json:"server_id"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
}

// handleMatchmakingStatus 查询匹配状态
// 已匹配但服务器已不在舰队中时返回 server_gone，让传输层作出反应
func (s *Server) handleMatchmakingStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.matchmaker.GetTicket(r.URL.Query().Get("ticket_id"))
	if !ok {
		http.Error(w, "ticket not found", http.StatusNotFound)
		return
	}

	resp := MatchmakingStatusResponse{Ticket: t, Code: protocol.CodeSuccess}

	if t.Status == match.TicketMatched || t.Status == match.TicketConfirmed {
		if sv, ok := s.registry.GetServer(t.AssignedServerID); ok {
			resp.Connection = &ConnectionInfo{
				ServerID: sv.ID,
				Address:  sv.Address,
				Port:     sv.Port,
			}
		} else {
			resp.Code = protocol.CodeServerGone
			resp.Message = protocol.CodeMessage[protocol.CodeServerGone]
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// CancelMatchmakingRequest 匹配取消请求
type CancelMatchmakingRequest struct {
	TicketID string `json:"ticket_id"`
	Reason   string `json:"reason"`
}

// handleCancelMatchmaking 处理匹配取消
func (s *Server) handleCancelMatchmaking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CancelMatchmakingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if !s.matchmaker.Cancel(req.TicketID, req.Reason) {
		http.Error(w, "ticket not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ========== 运维侧接口 ==========

// handleScalingStatus 返回容量快照
func (s *Server) handleScalingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.director.Status())
}

// handleListServers 返回全部服务器
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListServers())
}

// handleHistoryRecent 返回最近结束的对局
func (s *Server) handleHistoryRecent(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.archive.Recent(limit)
	if err != nil {
		logger.Error("history query failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status        string  `json:"status"`
	Servers       int     `json:"servers"`
	ActiveGames   int     `json:"active_games"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

var startTime = time.Now()

// handleHealth 健康检查
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &HealthStatus{
		Status:        "healthy",
		Servers:       s.registry.ServerCount(),
		ActiveGames:   s.games.ActiveCount(),
		UptimeSeconds: time.Since(startTime).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
