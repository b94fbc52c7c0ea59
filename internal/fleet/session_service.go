package fleet

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// playerSession 玩家会话
type playerSession struct {
	id          string
	playerID    string
	displayName string

	serverID string // 当前所在服务器（弱引用，可悬空）

	connected    bool
	connectedAt  time.Time
	lastActivity time.Time
}

// SessionView 玩家会话快照（只读）
type SessionView struct {
	ID           string    `json:"id"`
	PlayerID     string    `json:"player_id"`
	DisplayName  string    `json:"display_name"`
	ServerID     string    `json:"server_id,omitempty"`
	Connected    bool      `json:"connected"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// sessionService 会话存储（用户维度）
type sessionService struct {
	mu       sync.RWMutex
	sessions map[string]*playerSession // session_id → session
	byPlayer map[string]string         // player_id → session_id
}

func newSessionService() *sessionService {
	return &sessionService{
		sessions: make(map[string]*playerSession),
		byPlayer: make(map[string]string),
	}
}

func (ss *sessionService) view(s *playerSession) SessionView {
	return SessionView{
		ID:           s.id,
		PlayerID:     s.playerID,
		DisplayName:  s.displayName,
		ServerID:     s.serverID,
		Connected:    s.connected,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
	}
}

// getOrCreate 幂等创建：同一玩家已有在线会话时返回旧会话
// 返回 (视图, 是否新建)
func (ss *sessionService) getOrCreate(playerID, displayName string) (SessionView, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if sid, ok := ss.byPlayer[playerID]; ok {
		if s, ok := ss.sessions[sid]; ok && s.connected {
			s.lastActivity = time.Now()
			return ss.view(s), false
		}
	}

	now := time.Now()
	s := &playerSession{
		id:           uuid.New().String(),
		playerID:     playerID,
		displayName:  displayName,
		connected:    true,
		connectedAt:  now,
		lastActivity: now,
	}
	ss.sessions[s.id] = s
	ss.byPlayer[playerID] = s.id

	return ss.view(s), true
}

func (ss *sessionService) get(sessionID string) (SessionView, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	s, ok := ss.sessions[sessionID]
	if !ok {
		return SessionView{}, false
	}
	return ss.view(s), true
}

func (ss *sessionService) getByPlayer(playerID string) (SessionView, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	sid, ok := ss.byPlayer[playerID]
	if !ok {
		return SessionView{}, false
	}
	s, ok := ss.sessions[sid]
	if !ok {
		return SessionView{}, false
	}
	return ss.view(s), true
}

// setServer 更新会话所在服务器，返回之前的服务器 ID
func (ss *sessionService) setServer(sessionID, serverID string) (string, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s, ok := ss.sessions[sessionID]
	if !ok {
		return "", false
	}
	prev := s.serverID
	s.serverID = serverID
	s.lastActivity = time.Now()
	return prev, true
}

// setDisconnected 标记断连，返回会话视图（含断连前所在服务器）
func (ss *sessionService) setDisconnected(sessionID string) (SessionView, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s, ok := ss.sessions[sessionID]
	if !ok {
		return SessionView{}, false
	}
	s.connected = false
	s.lastActivity = time.Now()
	return ss.view(s), true
}

// detachFromServer 清除指向指定服务器的引用（服务器移除时调用）
// 返回受影响的会话视图
func (ss *sessionService) detachFromServer(serverID string) []SessionView {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var affected []SessionView
	for _, s := range ss.sessions {
		if s.serverID == serverID {
			s.serverID = ""
			affected = append(affected, ss.view(s))
		}
	}
	return affected
}

// sweep 清理断连超过宽限期的会话，返回被删除的会话
func (ss *sessionService) sweep(grace time.Duration) []SessionView {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	now := time.Now()
	var removed []SessionView
	for id, s := range ss.sessions {
		if !s.connected && now.Sub(s.lastActivity) > grace {
			delete(ss.sessions, id)
			if ss.byPlayer[s.playerID] == id {
				delete(ss.byPlayer, s.playerID)
			}
			removed = append(removed, ss.view(s))
		}
	}
	return removed
}

func (ss *sessionService) count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}
