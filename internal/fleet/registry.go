package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/event"
	"github.com/qiminjie89/fleetsys/pkg/logger"
	"github.com/qiminjie89/fleetsys/pkg/metrics"
)

// Registry 舰队注册表
// 服务器与会话存在性及活性的唯一事实来源。所有外部组件只读快照，
// 状态变更全部经由注册表的方法进入。
type Registry struct {
	bus *event.Bus

	mu      sync.RWMutex
	servers map[string]*serverInstance // server_id → instance

	sessions *sessionService

	// placeMu 串行化玩家与服务器的绑定变更（join/leave）
	// 保证任一时刻玩家最多被计入一台服务器
	placeMu sync.Mutex
}

// RegisterRequest 服务器注册请求
type RegisterRequest struct {
	Name       string
	Port       int
	MaxPlayers int
	GameMode   string
	MapName    string
	Version    string
}

// NewRegistry 创建注册表
func NewRegistry(bus *event.Bus) *Registry {
	return &Registry{
		bus:      bus,
		servers:  make(map[string]*serverInstance),
		sessions: newSessionService(),
	}
}

// ========== 服务器 ==========

// RegisterServer 注册游戏服务器实例
// ID 由注册表生成，调用方不可指定；初始状态为 starting
func (r *Registry) RegisterServer(req RegisterRequest, sourceAddr string) ServerView {
	now := time.Now()
	inst := &serverInstance{
		id:            uuid.New().String(),
		name:          req.Name,
		address:       sourceAddr,
		port:          req.Port,
		maxPlayers:    req.MaxPlayers,
		status:        StatusStarting,
		lastHeartbeat: now,
		gameMode:      req.GameMode,
		mapName:       req.MapName,
		version:       req.Version,
		metadata:      make(map[string]string),
		registeredAt:  now,
	}

	r.mu.Lock()
	r.servers[inst.id] = inst
	r.mu.Unlock()

	metrics.FleetServers.WithLabelValues(StatusStarting.String()).Inc()

	logger.Info("server registered",
		zap.String("server_id", inst.id),
		zap.String("name", req.Name),
		zap.String("addr", sourceAddr),
		zap.Int("port", req.Port),
		zap.String("game_mode", req.GameMode),
	)

	r.bus.Publish(event.ServerRegistered{
		ServerID:   inst.id,
		Name:       req.Name,
		Address:    sourceAddr,
		Port:       req.Port,
		GameMode:   req.GameMode,
		MapName:    req.MapName,
		MaxPlayers: req.MaxPlayers,
	})

	return inst.snapshot()
}

// UnregisterServer 移除服务器实例
// 指向它的会话引用被清除（会话本身保留）；未知 ID 为无操作
func (r *Registry) UnregisterServer(serverID, reason string) bool {
	r.mu.Lock()
	inst, ok := r.servers[serverID]
	if ok {
		delete(r.servers, serverID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	inst.mu.RLock()
	status := inst.status
	players := inst.currentPlayers
	inst.mu.RUnlock()

	metrics.FleetServers.WithLabelValues(status.String()).Dec()
	metrics.FleetPlayers.Sub(float64(players))

	for _, sv := range r.sessions.detachFromServer(serverID) {
		r.bus.Publish(event.PlayerLeftServer{
			SessionID: sv.ID,
			PlayerID:  sv.PlayerID,
			ServerID:  serverID,
		})
	}

	logger.Info("server unregistered",
		zap.String("server_id", serverID),
		zap.String("reason", reason),
	)

	r.bus.Publish(event.ServerUnregistered{
		ServerID: serverID,
		Reason:   reason,
	})

	return true
}

// Heartbeat 处理服务器心跳
// 未知 ID 为无操作（调用方可能与 unregister 竞争），不是错误
func (r *Registry) Heartbeat(serverID string, currentPlayers int, status ServerStatus, metadataDelta map[string]string) bool {
	inst := r.getInstance(serverID)
	if inst == nil {
		return false
	}

	metrics.FleetHeartbeats.Inc()

	inst.mu.Lock()
	old := inst.status
	if status != old {
		// 状态变更事件在新状态可见之前发布
		r.bus.Publish(event.ServerStatusChanged{
			ServerID:  serverID,
			OldStatus: old.String(),
			NewStatus: status.String(),
		})
		inst.status = status
		metrics.FleetServers.WithLabelValues(old.String()).Dec()
		metrics.FleetServers.WithLabelValues(status.String()).Inc()
	}

	if currentPlayers < 0 {
		currentPlayers = 0
	}
	if currentPlayers > inst.maxPlayers {
		currentPlayers = inst.maxPlayers
	}
	metrics.FleetPlayers.Add(float64(currentPlayers - inst.currentPlayers))
	inst.currentPlayers = currentPlayers

	for k, v := range metadataDelta {
		inst.metadata[k] = v
	}
	inst.lastHeartbeat = time.Now()
	inst.mu.Unlock()

	r.bus.Publish(event.ServerHeartbeat{
		ServerID:       serverID,
		CurrentPlayers: currentPlayers,
		Status:         status.String(),
	})

	return true
}

// SetServerStatus 设置服务器状态（匹配确认/对局结束路径）
func (r *Registry) SetServerStatus(serverID string, status ServerStatus) bool {
	inst := r.getInstance(serverID)
	if inst == nil {
		return false
	}

	inst.mu.Lock()
	old := inst.status
	if status == old {
		inst.mu.Unlock()
		return true
	}
	r.bus.Publish(event.ServerStatusChanged{
		ServerID:  serverID,
		OldStatus: old.String(),
		NewStatus: status.String(),
	})
	inst.status = status
	inst.mu.Unlock()

	metrics.FleetServers.WithLabelValues(old.String()).Dec()
	metrics.FleetServers.WithLabelValues(status.String()).Inc()

	return true
}

// SweepTimeouts 清理心跳超时的服务器，返回移除数量
// starting 状态的实例尚未发出首次心跳，不参与本轮清理
func (r *Registry) SweepTimeouts(timeout time.Duration) int {
	now := time.Now()

	r.mu.RLock()
	var expired []string
	for id, inst := range r.servers {
		inst.mu.RLock()
		stale := inst.status != StatusStarting && now.Sub(inst.lastHeartbeat) > timeout
		inst.mu.RUnlock()
		if stale {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		// 稳态行为，日志与真实故障区分开
		logger.Info("server heartbeat timed out",
			zap.String("server_id", id),
			zap.Duration("timeout", timeout),
		)
		r.UnregisterServer(id, "heartbeat_timeout")
		metrics.FleetTimeouts.Inc()
	}

	return len(expired)
}

// GetServer 查询服务器快照
func (r *Registry) GetServer(serverID string) (ServerView, bool) {
	inst := r.getInstance(serverID)
	if inst == nil {
		return ServerView{}, false
	}
	return inst.snapshot(), true
}

// ListServers 返回全部服务器快照，按 ID 排序
func (r *Registry) ListServers() []ServerView {
	r.mu.RLock()
	views := make([]ServerView, 0, len(r.servers))
	for _, inst := range r.servers {
		views = append(views, inst.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// AvailableServers 返回指定模式下可接收 slots 名玩家的就绪服务器，按 ID 排序
func (r *Registry) AvailableServers(gameMode string, slots int) []ServerView {
	var out []ServerView
	for _, v := range r.ListServers() {
		if v.Status != StatusReady {
			continue
		}
		if gameMode != "" && v.GameMode != gameMode {
			continue
		}
		if v.AvailableSlots() < slots {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ServerCount 当前服务器数量
func (r *Registry) ServerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

func (r *Registry) getInstance(serverID string) *serverInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.servers[serverID]
}

// ========== 玩家会话 ==========

// CreatePlayerSession 创建玩家会话
// 同一玩家已有在线会话时返回旧会话（幂等重连）
func (r *Registry) CreatePlayerSession(playerID, displayName string) SessionView {
	sv, created := r.sessions.getOrCreate(playerID, displayName)
	if created {
		metrics.FleetSessions.Set(float64(r.sessions.count()))
		r.bus.Publish(event.PlayerConnected{
			SessionID:   sv.ID,
			PlayerID:    playerID,
			DisplayName: displayName,
		})
	}
	return sv
}

// EndPlayerSession 结束会话
// 若仍在服务器上，先执行 LeaveServer 使计数保持准确。
// 已断连（待清理）的会话重复结束视为失败，不重复发事件。
func (r *Registry) EndPlayerSession(sessionID, reason string) bool {
	sv, ok := r.sessions.get(sessionID)
	if !ok || !sv.Connected {
		return false
	}

	if sv.ServerID != "" {
		r.LeaveServer(sessionID)
	}

	sv, ok = r.sessions.setDisconnected(sessionID)
	if !ok {
		return false
	}

	r.bus.Publish(event.PlayerDisconnected{
		SessionID: sv.ID,
		PlayerID:  sv.PlayerID,
		Reason:    reason,
	})

	return true
}

// GetSession 查询会话
func (r *Registry) GetSession(sessionID string) (SessionView, bool) {
	return r.sessions.get(sessionID)
}

// SessionForPlayer 按玩家 ID 查询会话
func (r *Registry) SessionForPlayer(playerID string) (SessionView, bool) {
	return r.sessions.getByPlayer(playerID)
}

// SweepSessions 清理断连超过宽限期的会话，返回清理数量
func (r *Registry) SweepSessions(grace time.Duration) int {
	removed := r.sessions.sweep(grace)
	if len(removed) > 0 {
		metrics.FleetSessions.Set(float64(r.sessions.count()))
	}
	return len(removed)
}

// JoinServer 将会话绑定到服务器
// 失败条件：会话/服务器不存在、服务器非就绪、容量不足。
// 会话已在其他服务器上时先离开旧服务器；目标侧的校验与占位
// 在离开之前完成，换服失败不影响原有绑定。
func (r *Registry) JoinServer(sessionID, serverID string) bool {
	r.placeMu.Lock()
	defer r.placeMu.Unlock()

	sv, ok := r.sessions.get(sessionID)
	if !ok {
		return false
	}
	if sv.ServerID == serverID {
		return true
	}

	inst := r.getInstance(serverID)
	if inst == nil {
		return false
	}

	inst.mu.Lock()
	if inst.status != StatusReady || inst.currentPlayers >= inst.maxPlayers {
		inst.mu.Unlock()
		return false
	}
	inst.currentPlayers++
	inst.mu.Unlock()

	if sv.ServerID != "" {
		r.leaveLocked(sessionID)
	}

	r.sessions.setServer(sessionID, serverID)
	metrics.FleetPlayers.Inc()

	r.bus.Publish(event.PlayerJoinedServer{
		SessionID: sessionID,
		PlayerID:  sv.PlayerID,
		ServerID:  serverID,
	})

	return true
}

// LeaveServer 解除会话与服务器的绑定
func (r *Registry) LeaveServer(sessionID string) bool {
	r.placeMu.Lock()
	defer r.placeMu.Unlock()
	return r.leaveLocked(sessionID)
}

// leaveLocked 调用方需持有 placeMu
func (r *Registry) leaveLocked(sessionID string) bool {
	prev, ok := r.sessions.setServer(sessionID, "")
	if !ok || prev == "" {
		return false
	}

	sv, _ := r.sessions.get(sessionID)

	if inst := r.getInstance(prev); inst != nil {
		inst.mu.Lock()
		if inst.currentPlayers > 0 {
			inst.currentPlayers--
			metrics.FleetPlayers.Dec()
		}
		empty := inst.currentPlayers == 0
		wasInGame := inst.status == StatusInGame
		inst.mu.Unlock()

		// 对局中的服务器被清空后回到就绪态
		if empty && wasInGame {
			r.SetServerStatus(prev, StatusReady)
		}
	}

	r.bus.Publish(event.PlayerLeftServer{
		SessionID: sessionID,
		PlayerID:  sv.PlayerID,
		ServerID:  prev,
	})

	return true
}
