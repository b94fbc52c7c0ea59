package match

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/event"
	"github.com/qiminjie89/fleetsys/internal/fleet"
	"github.com/qiminjie89/fleetsys/pkg/logger"
	"github.com/qiminjie89/fleetsys/pkg/metrics"
)

// 已终结票据的保留时长，之后从查询表中清除
const resolvedRetention = 5 * time.Minute

// Config 匹配器配置
type Config struct {
	TickInterval  time.Duration
	TicketTimeout time.Duration
	ConfirmWindow time.Duration
	SkillBand     int
}

// Matchmaker 匹配器
// 周期性地将排队票据与就绪服务器配对；票据按创建时间先到先得
type Matchmaker struct {
	cfg      Config
	registry *fleet.Registry
	games    *fleet.GameService
	bus      *event.Bus
	ratings  RatingSource

	mu       sync.Mutex
	tickets  map[string]*ticket // ticket_id → ticket（含已终结，保留一段时间）
	byPlayer map[string]string  // player_id → ticket_id，仅 Pending/Matched
}

// NewMatchmaker 创建匹配器
func NewMatchmaker(cfg Config, registry *fleet.Registry, games *fleet.GameService, bus *event.Bus, ratings RatingSource) *Matchmaker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.TicketTimeout <= 0 {
		cfg.TicketTimeout = 60 * time.Second
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = 5 * time.Second
	}
	if cfg.SkillBand <= 0 {
		cfg.SkillBand = 200
	}
	if ratings == nil {
		ratings = StaticRatings{}
	}
	return &Matchmaker{
		cfg:      cfg,
		registry: registry,
		games:    games,
		bus:      bus,
		ratings:  ratings,
		tickets:  make(map[string]*ticket),
		byPlayer: make(map[string]string),
	}
}

// Submit 提交匹配请求
// 任一成员已持有 Pending/Matched 票据时原样返回该票据（幂等）
func (m *Matchmaker) Submit(playerID string, partyIDs []string, gameMode, preferredRegion string) Ticket {
	players := dedupPlayers(playerID, partyIDs)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pid := range players {
		if tid, ok := m.byPlayer[pid]; ok {
			if t, ok := m.tickets[tid]; ok {
				return t.view()
			}
		}
	}

	lo, hi := skillRange(m.ratings, players, m.cfg.SkillBand)

	t := &ticket{
		id:              uuid.New().String(),
		playerIDs:       players,
		gameMode:        gameMode,
		preferredRegion: preferredRegion,
		skillMin:        lo,
		skillMax:        hi,
		status:          TicketPending,
		createdAt:       time.Now(),
	}
	m.tickets[t.id] = t
	for _, pid := range players {
		m.byPlayer[pid] = t.id
	}

	metrics.MatchTicketsSubmitted.Inc()
	metrics.MatchPendingTickets.Set(float64(m.pendingCountLocked()))

	logger.Debug("matchmaking ticket created",
		zap.String("ticket_id", t.id),
		zap.Strings("players", players),
		zap.String("game_mode", gameMode),
	)

	m.bus.Publish(event.MatchmakingStarted{
		TicketID:  t.id,
		PlayerIDs: players,
		GameMode:  gameMode,
	})

	return t.view()
}

// Cancel 取消票据
// 仅 Pending/Matched 可取消；已 Matched 的票据取消不回滚已发生的 join
func (m *Matchmaker) Cancel(ticketID, reason string) bool {
	m.mu.Lock()
	t, ok := m.tickets[ticketID]
	if !ok || (t.status != TicketPending && t.status != TicketMatched) {
		m.mu.Unlock()
		return false
	}
	t.status = TicketCancelled
	t.resolvedAt = time.Now()
	m.releasePlayersLocked(t)
	metrics.MatchPendingTickets.Set(float64(m.pendingCountLocked()))
	m.mu.Unlock()

	metrics.MatchTicketsResolved.WithLabelValues("cancelled").Inc()

	logger.Info("matchmaking cancelled",
		zap.String("ticket_id", ticketID),
		zap.String("reason", reason),
	)

	m.bus.Publish(event.MatchmakingCancelled{
		TicketID: ticketID,
		Reason:   reason,
	})

	return true
}

// GetTicket 查询票据
func (m *Matchmaker) GetTicket(ticketID string) (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return Ticket{}, false
	}
	return t.view(), true
}

// TicketForPlayer 查询玩家的活跃票据（仅 Pending/Matched）
func (m *Matchmaker) TicketForPlayer(playerID string) (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tid, ok := m.byPlayer[playerID]
	if !ok {
		return Ticket{}, false
	}
	t, ok := m.tickets[tid]
	if !ok {
		return Ticket{}, false
	}
	return t.view(), true
}

// Run 运行匹配循环
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

// tick 单轮匹配
// 按 createdAt 升序处理 Pending 票据（先到先得，无插队）
func (m *Matchmaker) tick(now time.Time) {
	m.mu.Lock()
	pending := make([]*ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		if t.status == TicketPending {
			pending = append(pending, t)
		}
	}
	m.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].createdAt.Equal(pending[j].createdAt) {
			return pending[i].createdAt.Before(pending[j].createdAt)
		}
		return pending[i].id < pending[j].id
	})

	for _, t := range pending {
		m.tryMatch(t, now)
	}

	m.pruneResolved(now)
}

// tryMatch 处理单张票据
func (m *Matchmaker) tryMatch(t *ticket, now time.Time) {
	m.mu.Lock()
	if t.status != TicketPending {
		m.mu.Unlock()
		return
	}

	if now.Sub(t.createdAt) > m.cfg.TicketTimeout {
		t.status = TicketTimedOut
		t.resolvedAt = now
		m.releasePlayersLocked(t)
		metrics.MatchPendingTickets.Set(float64(m.pendingCountLocked()))
		m.mu.Unlock()

		metrics.MatchTicketsResolved.WithLabelValues("timed_out").Inc()
		logger.Info("matchmaking timed out", zap.String("ticket_id", t.id))
		m.bus.Publish(event.MatchmakingTimedOut{TicketID: t.id})
		return
	}
	partySize := len(t.playerIDs)
	gameMode := t.gameMode
	m.mu.Unlock()

	candidates := m.registry.AvailableServers(gameMode, partySize)
	if len(candidates) == 0 {
		return
	}

	winner := pickServer(candidates)

	m.mu.Lock()
	if t.status != TicketPending {
		// 与 Cancel 竞争
		m.mu.Unlock()
		return
	}
	t.status = TicketMatched
	t.assignedServerID = winner.ID
	t.matchedAt = now
	players := append([]string(nil), t.playerIDs...)
	ticketID := t.id
	metrics.MatchPendingTickets.Set(float64(m.pendingCountLocked()))
	m.mu.Unlock()

	for _, pid := range players {
		sv, ok := m.registry.SessionForPlayer(pid)
		if !ok {
			logger.Warn("matched player has no session, skipping join",
				zap.String("ticket_id", ticketID),
				zap.String("player_id", pid),
			)
			continue
		}
		if !m.registry.JoinServer(sv.ID, winner.ID) {
			logger.Warn("join failed for matched player",
				zap.String("ticket_id", ticketID),
				zap.String("player_id", pid),
				zap.String("server_id", winner.ID),
			)
		}
	}

	metrics.MatchTicketsResolved.WithLabelValues("matched").Inc()
	metrics.MatchWaitSeconds.Observe(now.Sub(t.createdAt).Seconds())

	logger.Info("match found",
		zap.String("ticket_id", ticketID),
		zap.String("server_id", winner.ID),
		zap.Int("party_size", len(players)),
	)

	m.bus.Publish(event.MatchFound{
		TicketID:  ticketID,
		ServerID:  winner.ID,
		Address:   winner.Address,
		Port:      winner.Port,
		PlayerIDs: players,
	})

	// 确认窗口：一次性的延迟检查，不阻塞匹配循环
	time.AfterFunc(m.cfg.ConfirmWindow, func() {
		m.confirm(ticketID)
	})
}

// confirm 确认窗口到期
// 票据仍为 Matched 时转入 Confirmed 并脱离活跃跟踪；期间被取消则无事发生
func (m *Matchmaker) confirm(ticketID string) {
	m.mu.Lock()
	t, ok := m.tickets[ticketID]
	if !ok || t.status != TicketMatched {
		m.mu.Unlock()
		return
	}
	t.status = TicketConfirmed
	t.resolvedAt = time.Now()
	m.releasePlayersLocked(t)
	serverID := t.assignedServerID
	gameMode := t.gameMode
	players := append([]string(nil), t.playerIDs...)
	m.mu.Unlock()

	logger.Debug("ticket confirmed", zap.String("ticket_id", ticketID))

	// 服务器可能已被超时清理；届时状态查询会暴露连接信息缺失
	if sv, ok := m.registry.GetServer(serverID); ok {
		m.games.StartGame(serverID, gameMode, sv.MapName, players)
	}
}

// pickServer 按打分选择服务器，分数相同时取 ID 较小者（确定性）
// score = (空服 ? 50 : 0) + (1 - 装载率) * 30，低者优先：
// 倾向把玩家集中到已有人的服务器上，而不是均匀摊开
func pickServer(candidates []fleet.ServerView) fleet.ServerView {
	best := candidates[0]
	bestScore := serverScore(best)
	for _, c := range candidates[1:] {
		s := serverScore(c)
		if s < bestScore || (s == bestScore && c.ID < best.ID) {
			best = c
			bestScore = s
		}
	}
	return best
}

func serverScore(v fleet.ServerView) float64 {
	score := (1 - v.FillRatio()) * 30
	if v.CurrentPlayers == 0 {
		score += 50
	}
	return score
}

// releasePlayersLocked 解除玩家与票据的绑定；调用方需持有 m.mu
func (m *Matchmaker) releasePlayersLocked(t *ticket) {
	for _, pid := range t.playerIDs {
		if m.byPlayer[pid] == t.id {
			delete(m.byPlayer, pid)
		}
	}
}

func (m *Matchmaker) pendingCountLocked() int {
	n := 0
	for _, t := range m.tickets {
		if t.status == TicketPending {
			n++
		}
	}
	return n
}

// pruneResolved 清除保留期已过的终结票据
func (m *Matchmaker) pruneResolved(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tickets {
		switch t.status {
		case TicketPending, TicketMatched:
			continue
		}
		if !t.resolvedAt.IsZero() && now.Sub(t.resolvedAt) > resolvedRetention {
			delete(m.tickets, id)
		}
	}
}

// dedupPlayers 组装有序去重的成员列表，发起者在首位
func dedupPlayers(playerID string, partyIDs []string) []string {
	players := []string{playerID}
	seen := map[string]bool{playerID: true}
	for _, pid := range partyIDs {
		if pid == "" || seen[pid] {
			continue
		}
		players = append(players, pid)
		seen[pid] = true
	}
	return players
}
