package fleet

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/event"
	"github.com/qiminjie89/fleetsys/pkg/logger"
)

// GameSession 一场绑定到服务器的对局
type GameSession struct {
	ID        string         `json:"id"`
	ServerID  string         `json:"server_id"`
	GameMode  string         `json:"game_mode"`
	MapName   string         `json:"map_name"`
	PlayerIDs []string       `json:"player_ids"`
	Wave      int            `json:"wave"`
	Active    bool           `json:"active"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Scores    map[string]int `json:"scores,omitempty"`
}

// GameService 对局管理服务
// 匹配确认时创建对局，服务器上报结束时终结
type GameService struct {
	registry *Registry
	bus      *event.Bus

	mu     sync.RWMutex
	active map[string]*GameSession // server_id → session
}

// NewGameService 创建对局服务
func NewGameService(registry *Registry, bus *event.Bus) *GameService {
	return &GameService{
		registry: registry,
		bus:      bus,
		active:   make(map[string]*GameSession),
	}
}

// StartGame 在服务器上开始对局（匹配确认路径）
// 服务器转入 in_game；同一服务器已有对局时将新玩家并入
func (gs *GameService) StartGame(serverID, gameMode, mapName string, playerIDs []string) *GameSession {
	gs.mu.Lock()
	if cur, ok := gs.active[serverID]; ok {
		cur.PlayerIDs = mergePlayers(cur.PlayerIDs, playerIDs)
		gs.mu.Unlock()
		return cur
	}

	g := &GameSession{
		ID:        uuid.New().String(),
		ServerID:  serverID,
		GameMode:  gameMode,
		MapName:   mapName,
		PlayerIDs: append([]string(nil), playerIDs...),
		Active:    true,
		StartedAt: time.Now(),
	}
	gs.active[serverID] = g
	gs.mu.Unlock()

	gs.registry.SetServerStatus(serverID, StatusInGame)

	logger.Info("game session started",
		zap.String("game_id", g.ID),
		zap.String("server_id", serverID),
		zap.String("game_mode", gameMode),
		zap.Int("players", len(playerIDs)),
	)

	gs.bus.Publish(event.GameSessionStarted{
		GameID:    g.ID,
		ServerID:  serverID,
		GameMode:  gameMode,
		MapName:   mapName,
		PlayerIDs: g.PlayerIDs,
	})

	return g
}

// ReportGameEnded 服务器上报对局结束
// 终结对局、发布事件并让服务器回到就绪态；未知服务器为无操作
func (gs *GameService) ReportGameEnded(serverID string, finalWave int, scores map[string]int) (*GameSession, bool) {
	gs.mu.Lock()
	g, ok := gs.active[serverID]
	if ok {
		delete(gs.active, serverID)
	}
	gs.mu.Unlock()

	if !ok {
		return nil, false
	}

	g.Active = false
	g.Wave = finalWave
	g.EndedAt = time.Now()
	g.Scores = make(map[string]int, len(scores))
	for k, v := range scores {
		g.Scores[k] = v
	}

	// 玩家计数由后续心跳/离开维护，这里只恢复状态
	gs.registry.SetServerStatus(serverID, StatusReady)

	logger.Info("game session ended",
		zap.String("game_id", g.ID),
		zap.String("server_id", serverID),
		zap.Int("final_wave", finalWave),
		zap.Duration("duration", g.EndedAt.Sub(g.StartedAt)),
	)

	gs.bus.Publish(event.GameSessionEnded{
		GameID:    g.ID,
		ServerID:  serverID,
		GameMode:  g.GameMode,
		MapName:   g.MapName,
		FinalWave: finalWave,
		Scores:    g.Scores,
		StartedAt: g.StartedAt,
		EndedAt:   g.EndedAt,
	})

	return g, true
}

// ActiveGame 查询服务器上的进行中对局
func (gs *GameService) ActiveGame(serverID string) (*GameSession, bool) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	g, ok := gs.active[serverID]
	return g, ok
}

// ActiveCount 进行中对局数量
func (gs *GameService) ActiveCount() int {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return len(gs.active)
}

func mergePlayers(cur, add []string) []string {
	seen := make(map[string]bool, len(cur))
	for _, p := range cur {
		seen[p] = true
	}
	for _, p := range add {
		if !seen[p] {
			cur = append(cur, p)
			seen[p] = true
		}
	}
	return cur
}
