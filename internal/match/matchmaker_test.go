package match

import (
	"context"
	"testing"
	"time"

	"github.com/qiminjie89/fleetsys/internal/event"
	"github.com/qiminjie89/fleetsys/internal/fleet"
)

func newTestMatchmaker(t *testing.T, cfg Config) (*Matchmaker, *fleet.Registry) {
	t.Helper()

	bus := event.NewBus(256)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	registry := fleet.NewRegistry(bus)
	games := fleet.NewGameService(registry, bus)
	return NewMatchmaker(cfg, registry, games, bus, nil), registry
}

func addReadyServer(t *testing.T, r *fleet.Registry, name string, maxPlayers, current int) fleet.ServerView {
	t.Helper()
	sv := r.RegisterServer(fleet.RegisterRequest{
		Name:       name,
		Port:       7777,
		MaxPlayers: maxPlayers,
		GameMode:   "survival",
	}, "10.0.0.1")
	if !r.Heartbeat(sv.ID, current, fleet.StatusReady, nil) {
		t.Fatalf("heartbeat rejected for %s", name)
	}
	v, _ := r.GetServer(sv.ID)
	return v
}

func TestSubmitIdempotentForActiveTicket(t *testing.T) {
	t.Parallel()

	m, _ := newTestMatchmaker(t, Config{})

	t1 := m.Submit("p1", nil, "survival", "")
	t2 := m.Submit("p1", nil, "survival", "")
	if t1.ID != t2.ID {
		t.Fatalf("second submit created ticket %s, want existing %s", t2.ID, t1.ID)
	}

	// 组队成员持有票据时同样幂等
	t3 := m.Submit("p2", []string{"p1"}, "survival", "")
	if t3.ID != t1.ID {
		t.Fatalf("party submit created ticket %s, want existing %s", t3.ID, t1.ID)
	}
}

func TestSubmitDedupesParty(t *testing.T) {
	t.Parallel()

	m, _ := newTestMatchmaker(t, Config{})

	tk := m.Submit("p1", []string{"p2", "p1", "", "p2"}, "survival", "")
	if len(tk.PlayerIDs) != 2 {
		t.Fatalf("players = %v, want leader plus one unique member", tk.PlayerIDs)
	}
	if tk.PlayerIDs[0] != "p1" {
		t.Fatalf("leader %s not first in %v", "p1", tk.PlayerIDs)
	}
}

func TestMatchPrefersOccupiedServer(t *testing.T) {
	t.Parallel()

	m, r := newTestMatchmaker(t, Config{})

	// 空服 vs 已有两人的服：应选后者（集中而非摊开）
	empty := addReadyServer(t, r, "empty", 4, 0)
	occupied := addReadyServer(t, r, "occupied", 4, 2)

	r.CreatePlayerSession("p1", "A")
	tk := m.Submit("p1", nil, "survival", "")

	m.tick(time.Now())

	got, _ := m.GetTicket(tk.ID)
	if got.Status != TicketMatched {
		t.Fatalf("ticket status = %v, want matched", got.Status)
	}
	if got.AssignedServerID != occupied.ID {
		t.Fatalf("assigned %s, want occupied server %s (not empty %s)",
			got.AssignedServerID, occupied.ID, empty.ID)
	}

	// 玩家已被计入目标服务器
	sv, _ := r.GetServer(occupied.ID)
	if sv.CurrentPlayers != 3 {
		t.Fatalf("server players = %d after match, want 3", sv.CurrentPlayers)
	}
}

func TestMatchTieBreakBySmallerID(t *testing.T) {
	t.Parallel()

	m, r := newTestMatchmaker(t, Config{})

	// 两个同分的空服，取 ID 较小者
	a := addReadyServer(t, r, "a", 4, 0)
	b := addReadyServer(t, r, "b", 4, 0)
	want := a.ID
	if b.ID < want {
		want = b.ID
	}

	r.CreatePlayerSession("p1", "A")
	tk := m.Submit("p1", nil, "survival", "")
	m.tick(time.Now())

	got, _ := m.GetTicket(tk.ID)
	if got.AssignedServerID != want {
		t.Fatalf("assigned %s, want deterministic smaller id %s", got.AssignedServerID, want)
	}
}

func TestFIFOAcrossTickets(t *testing.T) {
	t.Parallel()

	m, r := newTestMatchmaker(t, Config{})

	// 只容得下一人的服务器：先提交者得
	addReadyServer(t, r, "only", 1, 0)
	r.CreatePlayerSession("p1", "A")
	r.CreatePlayerSession("p2", "B")

	first := m.Submit("p1", nil, "survival", "")
	// createdAt 相同时按票据 ID 决胜；拉开时间避免歧义
	m.mu.Lock()
	m.tickets[first.ID].createdAt = time.Now().Add(-time.Second)
	m.mu.Unlock()
	second := m.Submit("p2", nil, "survival", "")

	m.tick(time.Now())

	f, _ := m.GetTicket(first.ID)
	s, _ := m.GetTicket(second.ID)
	if f.Status != TicketMatched {
		t.Fatalf("earlier ticket status = %v, want matched", f.Status)
	}
	if s.Status != TicketPending {
		t.Fatalf("later ticket status = %v, want still pending", s.Status)
	}
}

func TestPartyMatchPlacesAllMembers(t *testing.T) {
	t.Parallel()

	m, r := newTestMatchmaker(t, Config{ConfirmWindow: time.Hour})
	sv := addReadyServer(t, r, "srv", 4, 0)
	for _, p := range []string{"p1", "p2", "p3"} {
		r.CreatePlayerSession(p, p)
	}

	tk := m.Submit("p1", []string{"p2", "p3"}, "survival", "")
	m.tick(time.Now())

	got, _ := m.GetTicket(tk.ID)
	if got.Status != TicketMatched {
		t.Fatalf("party ticket status = %v, want matched", got.Status)
	}

	server, _ := r.GetServer(sv.ID)
	if server.CurrentPlayers != 3 {
		t.Fatalf("server players = %d, want the whole party of 3", server.CurrentPlayers)
	}
	for _, p := range []string{"p1", "p2", "p3"} {
		sess, _ := r.SessionForPlayer(p)
		if sess.ServerID != sv.ID {
			t.Fatalf("member %s on %q, want %s", p, sess.ServerID, sv.ID)
		}
	}
}

func TestPartyNeedsEnoughSlots(t *testing.T) {
	t.Parallel()

	m, r := newTestMatchmaker(t, Config{})

	// 剩 1 个空位，三人组不拆队
	addReadyServer(t, r, "nearly-full", 4, 3)
	for _, p := range []string{"p1", "p2", "p3"} {
		r.CreatePlayerSession(p, p)
	}

	tk := m.Submit("p1", []string{"p2", "p3"}, "survival", "")
	m.tick(time.Now())

	got, _ := m.GetTicket(tk.ID)
	if got.Status != TicketPending {
		t.Fatalf("party ticket status = %v, want pending (no server fits the whole party)", got.Status)
	}
}

func TestTicketTimeout(t *testing.T) {
	t.Parallel()

	m, _ := newTestMatchmaker(t, Config{TicketTimeout: 10 * time.Second})

	tk := m.Submit("p1", nil, "survival", "")

	// 未到超时
	m.tick(time.Now())
	got, _ := m.GetTicket(tk.ID)
	if got.Status != TicketPending {
		t.Fatalf("status = %v before timeout, want pending", got.Status)
	}

	m.tick(time.Now().Add(11 * time.Second))
	got, _ = m.GetTicket(tk.ID)
	if got.Status != TicketTimedOut {
		t.Fatalf("status = %v after timeout, want timed_out", got.Status)
	}

	// 玩家索引已释放，可重新排队
	fresh := m.Submit("p1", nil, "survival", "")
	if fresh.ID == tk.ID {
		t.Fatal("resubmit after timeout returned the dead ticket")
	}
}

func TestCancelPendingTicket(t *testing.T) {
	t.Parallel()

	m, _ := newTestMatchmaker(t, Config{})

	tk := m.Submit("p1", nil, "survival", "")
	if !m.Cancel(tk.ID, "player_quit") {
		t.Fatal("cancel of pending ticket failed")
	}

	got, _ := m.GetTicket(tk.ID)
	if got.Status != TicketCancelled {
		t.Fatalf("status = %v, want cancelled", got.Status)
	}

	// 终结票据不可再取消
	if m.Cancel(tk.ID, "again") {
		t.Fatal("cancel of resolved ticket succeeded")
	}
	if m.Cancel("no-such-ticket", "x") {
		t.Fatal("cancel of unknown ticket succeeded")
	}
}

func TestConfirmStartsGame(t *testing.T) {
	t.Parallel()

	m, r := newTestMatchmaker(t, Config{ConfirmWindow: 20 * time.Millisecond})
	sv := addReadyServer(t, r, "srv", 4, 0)
	r.CreatePlayerSession("p1", "A")

	tk := m.Submit("p1", nil, "survival", "")
	m.tick(time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.GetTicket(tk.ID)
		if got.Status == TicketConfirmed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ticket status = %v, confirm window never fired", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	server, _ := r.GetServer(sv.ID)
	if server.Status != fleet.StatusInGame {
		t.Fatalf("server status = %v after confirm, want in_game", server.Status)
	}

	// 确认后玩家可再次排队
	fresh := m.Submit("p1", nil, "survival", "")
	if fresh.ID == tk.ID {
		t.Fatal("resubmit after confirm returned the old ticket")
	}
}

func TestCancelDuringConfirmWindow(t *testing.T) {
	t.Parallel()

	m, r := newTestMatchmaker(t, Config{ConfirmWindow: 50 * time.Millisecond})
	sv := addReadyServer(t, r, "srv", 4, 0)
	r.CreatePlayerSession("p1", "A")

	tk := m.Submit("p1", nil, "survival", "")
	m.tick(time.Now())

	got, _ := m.GetTicket(tk.ID)
	if got.Status != TicketMatched {
		t.Fatalf("status = %v, want matched", got.Status)
	}
	if !m.Cancel(tk.ID, "changed_mind") {
		t.Fatal("cancel during confirm window failed")
	}

	// 确认窗口到期后不得推进已取消的票据
	time.Sleep(100 * time.Millisecond)
	got, _ = m.GetTicket(tk.ID)
	if got.Status != TicketCancelled {
		t.Fatalf("status = %v after window, want cancelled", got.Status)
	}
	server, _ := r.GetServer(sv.ID)
	if server.Status == fleet.StatusInGame {
		t.Fatal("cancelled ticket still started a game")
	}
}

func TestStatusSurvivesServerLoss(t *testing.T) {
	t.Parallel()

	m, r := newTestMatchmaker(t, Config{ConfirmWindow: time.Hour})
	sv := addReadyServer(t, r, "srv", 4, 0)
	r.CreatePlayerSession("p1", "A")

	tk := m.Submit("p1", nil, "survival", "")
	m.tick(time.Now())

	// 分配的服务器在确认前被移除：票据保留悬空引用，查询方负责暴露
	r.UnregisterServer(sv.ID, "heartbeat_timeout")

	got, ok := m.GetTicket(tk.ID)
	if !ok {
		t.Fatal("ticket lost with its server")
	}
	if got.AssignedServerID != sv.ID {
		t.Fatalf("assigned server rewritten to %q", got.AssignedServerID)
	}
	if _, ok := r.GetServer(got.AssignedServerID); ok {
		t.Fatal("server should be gone")
	}
}

func TestPruneResolved(t *testing.T) {
	t.Parallel()

	m, _ := newTestMatchmaker(t, Config{})

	tk := m.Submit("p1", nil, "survival", "")
	m.Cancel(tk.ID, "quit")

	// 保留期内可查
	m.tick(time.Now())
	if _, ok := m.GetTicket(tk.ID); !ok {
		t.Fatal("resolved ticket pruned within retention")
	}

	m.tick(time.Now().Add(resolvedRetention + time.Minute))
	if _, ok := m.GetTicket(tk.ID); ok {
		t.Fatal("resolved ticket survived past retention")
	}
}

func TestSkillRange(t *testing.T) {
	t.Parallel()

	// 各成员 rating±band 的交集
	ratings := StaticRatings{"p1": 1200, "p2": 1400}
	lo, hi := skillRange(ratings, []string{"p1", "p2"}, 200)
	if lo != 1200 || hi != 1400 {
		t.Fatalf("skill range = [%d, %d], want [1200, 1400]", lo, hi)
	}

	// 无评分数据回落到缺省分
	lo, hi = skillRange(StaticRatings{}, []string{"px"}, 100)
	if lo != DefaultRating-100 || hi != DefaultRating+100 {
		t.Fatalf("default skill range = [%d, %d]", lo, hi)
	}
}
