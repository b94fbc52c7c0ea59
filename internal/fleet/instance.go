// Package fleet 实现游戏服务器与玩家会话的权威注册表（控制面）
package fleet

import (
	"sync"
	"time"
)

// ServerStatus 游戏服务器状态
type ServerStatus int

const (
	StatusStarting ServerStatus = iota // 已注册，等待首次心跳
	StatusReady                        // 就绪，可接收玩家
	StatusInGame                       // 对局进行中
	StatusStopping                     // 正在停止
	StatusError                        // 异常
)

// String 返回状态名
func (s ServerStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusInGame:
		return "in_game"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseServerStatus 解析状态名，未知值归为 error
func ParseServerStatus(s string) ServerStatus {
	switch s {
	case "starting":
		return StatusStarting
	case "ready":
		return StatusReady
	case "in_game":
		return StatusInGame
	case "stopping":
		return StatusStopping
	default:
		return StatusError
	}
}

// serverInstance 单个游戏服务器实例
// 可变字段由 mu 保护；只有注册表本身写入
type serverInstance struct {
	mu sync.RWMutex

	id      string
	name    string
	address string
	port    int

	maxPlayers     int
	currentPlayers int

	status        ServerStatus
	lastHeartbeat time.Time

	gameMode string
	mapName  string
	version  string

	metadata map[string]string // 服务器自报计数（当前波次、击杀数等）

	registeredAt time.Time
}

// ServerView 服务器实例快照（只读）
type ServerView struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Address        string            `json:"address"`
	Port           int               `json:"port"`
	MaxPlayers     int               `json:"max_players"`
	CurrentPlayers int               `json:"current_players"`
	Status         ServerStatus      `json:"-"`
	StatusName     string            `json:"status"`
	GameMode       string            `json:"game_mode"`
	MapName        string            `json:"map_name"`
	Version        string            `json:"version"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	RegisteredAt   time.Time         `json:"registered_at"`
}

// AvailableSlots 剩余容量
func (v ServerView) AvailableSlots() int {
	return v.MaxPlayers - v.CurrentPlayers
}

// FillRatio 装载率
func (v ServerView) FillRatio() float64 {
	if v.MaxPlayers <= 0 {
		return 0
	}
	return float64(v.CurrentPlayers) / float64(v.MaxPlayers)
}

// snapshot 在持有 inst.mu 读锁之外安全使用的拷贝
func (inst *serverInstance) snapshot() ServerView {
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	meta := make(map[string]string, len(inst.metadata))
	for k, v := range inst.metadata {
		meta[k] = v
	}

	return ServerView{
		ID:             inst.id,
		Name:           inst.name,
		Address:        inst.address,
		Port:           inst.port,
		MaxPlayers:     inst.maxPlayers,
		CurrentPlayers: inst.currentPlayers,
		Status:         inst.status,
		StatusName:     inst.status.String(),
		GameMode:       inst.gameMode,
		MapName:        inst.mapName,
		Version:        inst.version,
		Metadata:       meta,
		LastHeartbeat:  inst.lastHeartbeat,
		RegisteredAt:   inst.registeredAt,
	}
}
