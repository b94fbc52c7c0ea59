// Package event 实现解耦各组件的领域事件总线
package event

import "time"

// Kind 事件类型
type Kind string

// 事件类型定义
const (
	KindServerRegistered    Kind = "server_registered"
	KindServerUnregistered  Kind = "server_unregistered"
	KindServerStatusChanged Kind = "server_status_changed"
	KindServerHeartbeat     Kind = "server_heartbeat"

	KindPlayerConnected    Kind = "player_connected"
	KindPlayerDisconnected Kind = "player_disconnected"
	KindPlayerJoinedServer Kind = "player_joined_server"
	KindPlayerLeftServer   Kind = "player_left_server"

	KindMatchmakingStarted   Kind = "matchmaking_started"
	KindMatchFound           Kind = "match_found"
	KindMatchmakingCancelled Kind = "matchmaking_cancelled"
	KindMatchmakingTimedOut  Kind = "matchmaking_timed_out"

	KindScaleUpRequested   Kind = "scale_up_requested"
	KindScaleDownRequested Kind = "scale_down_requested"

	KindGameSessionStarted Kind = "game_session_started"
	KindGameSessionEnded   Kind = "game_session_ended"
)

// Event 领域事件
type Event interface {
	EventKind() Kind
}

// ========== 舰队事件 ==========

// ServerRegistered 游戏服务器注册
type ServerRegistered struct {
	ServerID   string `json:"server_id" msgpack:"server_id"`
	Name       string `json:"name" msgpack:"name"`
	Address    string `json:"address" msgpack:"address"`
	Port       int    `json:"port" msgpack:"port"`
	GameMode   string `json:"game_mode" msgpack:"game_mode"`
	MapName    string `json:"map_name" msgpack:"map_name"`
	MaxPlayers int    `json:"max_players" msgpack:"max_players"`
}

// ServerUnregistered 游戏服务器移除
type ServerUnregistered struct {
	ServerID string `json:"server_id" msgpack:"server_id"`
	Reason   string `json:"reason" msgpack:"reason"`
}

// ServerStatusChanged 服务器状态变更（在新状态可见之前发布）
type ServerStatusChanged struct {
	ServerID  string `json:"server_id" msgpack:"server_id"`
	OldStatus string `json:"old_status" msgpack:"old_status"`
	NewStatus string `json:"new_status" msgpack:"new_status"`
}

// ServerHeartbeat 服务器心跳
type ServerHeartbeat struct {
	ServerID       string `json:"server_id" msgpack:"server_id"`
	CurrentPlayers int    `json:"current_players" msgpack:"current_players"`
	Status         string `json:"status" msgpack:"status"`
}

// ========== 玩家事件 ==========

// PlayerConnected 玩家会话建立
type PlayerConnected struct {
	SessionID   string `json:"session_id" msgpack:"session_id"`
	PlayerID    string `json:"player_id" msgpack:"player_id"`
	DisplayName string `json:"display_name" msgpack:"display_name"`
}

// PlayerDisconnected 玩家会话结束
type PlayerDisconnected struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
	PlayerID  string `json:"player_id" msgpack:"player_id"`
	Reason    string `json:"reason" msgpack:"reason"`
}

// PlayerJoinedServer 玩家加入服务器
type PlayerJoinedServer struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
	PlayerID  string `json:"player_id" msgpack:"player_id"`
	ServerID  string `json:"server_id" msgpack:"server_id"`
}

// PlayerLeftServer 玩家离开服务器
type PlayerLeftServer struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
	PlayerID  string `json:"player_id" msgpack:"player_id"`
	ServerID  string `json:"server_id" msgpack:"server_id"`
}

// ========== 匹配事件 ==========

// MatchmakingStarted 匹配票据创建
type MatchmakingStarted struct {
	TicketID  string   `json:"ticket_id" msgpack:"ticket_id"`
	PlayerIDs []string `json:"player_ids" msgpack:"player_ids"`
	GameMode  string   `json:"game_mode" msgpack:"game_mode"`
}

// MatchFound 匹配成功
type MatchFound struct {
	TicketID  string   `json:"ticket_id" msgpack:"ticket_id"`
	ServerID  string   `json:"server_id" msgpack:"server_id"`
	Address   string   `json:"address" msgpack:"address"`
	Port      int      `json:"port" msgpack:"port"`
	PlayerIDs []string `json:"player_ids" msgpack:"player_ids"`
}

// MatchmakingCancelled 匹配取消
type MatchmakingCancelled struct {
	TicketID string `json:"ticket_id" msgpack:"ticket_id"`
	Reason   string `json:"reason" msgpack:"reason"`
}

// MatchmakingTimedOut 匹配超时
type MatchmakingTimedOut struct {
	TicketID string `json:"ticket_id" msgpack:"ticket_id"`
}

// ========== 扩缩容事件 ==========

// ScaleUpRequested 请求扩容
type ScaleUpRequested struct {
	Reason    string  `json:"reason" msgpack:"reason"`
	FleetSize int     `json:"fleet_size" msgpack:"fleet_size"`
	Load      float64 `json:"load" msgpack:"load"`
}

// ScaleDownRequested 请求缩容
type ScaleDownRequested struct {
	ServerID  string  `json:"server_id" msgpack:"server_id"`
	Reason    string  `json:"reason" msgpack:"reason"`
	FleetSize int     `json:"fleet_size" msgpack:"fleet_size"`
	Load      float64 `json:"load" msgpack:"load"`
}

// ========== 对局事件 ==========

// GameSessionStarted 对局开始
type GameSessionStarted struct {
	GameID    string   `json:"game_id" msgpack:"game_id"`
	ServerID  string   `json:"server_id" msgpack:"server_id"`
	GameMode  string   `json:"game_mode" msgpack:"game_mode"`
	MapName   string   `json:"map_name" msgpack:"map_name"`
	PlayerIDs []string `json:"player_ids" msgpack:"player_ids"`
}

// GameSessionEnded 对局结束
type GameSessionEnded struct {
	GameID    string         `json:"game_id" msgpack:"game_id"`
	ServerID  string         `json:"server_id" msgpack:"server_id"`
	GameMode  string         `json:"game_mode" msgpack:"game_mode"`
	MapName   string         `json:"map_name" msgpack:"map_name"`
	FinalWave int            `json:"final_wave" msgpack:"final_wave"`
	Scores    map[string]int `json:"scores" msgpack:"scores"`
	StartedAt time.Time      `json:"started_at" msgpack:"started_at"`
	EndedAt   time.Time      `json:"ended_at" msgpack:"ended_at"`
}

// EventKind 实现 Event 接口
func (ServerRegistered) EventKind() Kind     { return KindServerRegistered }
func (ServerUnregistered) EventKind() Kind   { return KindServerUnregistered }
func (ServerStatusChanged) EventKind() Kind  { return KindServerStatusChanged }
func (ServerHeartbeat) EventKind() Kind      { return KindServerHeartbeat }
func (PlayerConnected) EventKind() Kind      { return KindPlayerConnected }
func (PlayerDisconnected) EventKind() Kind   { return KindPlayerDisconnected }
func (PlayerJoinedServer) EventKind() Kind   { return KindPlayerJoinedServer }
func (PlayerLeftServer) EventKind() Kind     { return KindPlayerLeftServer }
func (MatchmakingStarted) EventKind() Kind   { return KindMatchmakingStarted }
func (MatchFound) EventKind() Kind           { return KindMatchFound }
func (MatchmakingCancelled) EventKind() Kind { return KindMatchmakingCancelled }
func (MatchmakingTimedOut) EventKind() Kind  { return KindMatchmakingTimedOut }
func (ScaleUpRequested) EventKind() Kind     { return KindScaleUpRequested }
func (ScaleDownRequested) EventKind() Kind   { return KindScaleDownRequested }
func (GameSessionStarted) EventKind() Kind   { return KindGameSessionStarted }
func (GameSessionEnded) EventKind() Kind     { return KindGameSessionEnded }
