package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/qiminjie89/fleetsys/internal/event"
)

// newTestRegistry 返回注册表和运行中的事件总线
func newTestRegistry(t *testing.T) (*Registry, *event.Bus) {
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

	return NewRegistry(bus), bus
}

// eventRecorder 记录总线分发的事件类型
type eventRecorder struct {
	mu    sync.Mutex
	kinds []event.Kind
}

func (rec *eventRecorder) record(ev event.Event) {
	rec.mu.Lock()
	rec.kinds = append(rec.kinds, ev.EventKind())
	rec.mu.Unlock()
}

func (rec *eventRecorder) snapshot() []event.Kind {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]event.Kind(nil), rec.kinds...)
}

func registerReady(t *testing.T, r *Registry, name string, maxPlayers int) ServerView {
	t.Helper()
	sv := r.RegisterServer(RegisterRequest{
		Name:       name,
		Port:       7777,
		MaxPlayers: maxPlayers,
		GameMode:   "survival",
		MapName:    "wave_01",
	}, "10.0.0.1")
	if !r.Heartbeat(sv.ID, 0, StatusReady, nil) {
		t.Fatalf("heartbeat for fresh server %s rejected", sv.ID)
	}
	v, _ := r.GetServer(sv.ID)
	return v
}

func TestRegisterServer(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	sv := r.RegisterServer(RegisterRequest{
		Name:       "srv-01",
		Port:       7777,
		MaxPlayers: 4,
		GameMode:   "survival",
	}, "10.0.0.1")

	if sv.ID == "" {
		t.Fatal("expected generated server id")
	}
	if sv.Status != StatusStarting {
		t.Fatalf("fresh server status = %v, want starting", sv.Status)
	}
	if sv.Address != "10.0.0.1" {
		t.Fatalf("address = %q, want source address", sv.Address)
	}

	got, ok := r.GetServer(sv.ID)
	if !ok {
		t.Fatal("registered server not reachable by id")
	}
	if got.Name != "srv-01" || got.MaxPlayers != 4 {
		t.Fatalf("unexpected view: %+v", got)
	}
}

func TestHeartbeatUpdatesAndClamps(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	sv := registerReady(t, r, "srv-01", 4)

	// 超过容量的上报被钳制
	r.Heartbeat(sv.ID, 99, StatusReady, map[string]string{"wave": "3"})
	got, _ := r.GetServer(sv.ID)
	if got.CurrentPlayers != 4 {
		t.Fatalf("current players = %d, want clamped to 4", got.CurrentPlayers)
	}
	if got.Metadata["wave"] != "3" {
		t.Fatalf("metadata not merged: %v", got.Metadata)
	}

	// 负数钳到零，已有元数据保留
	r.Heartbeat(sv.ID, -1, StatusReady, map[string]string{"kills": "10"})
	got, _ = r.GetServer(sv.ID)
	if got.CurrentPlayers != 0 {
		t.Fatalf("current players = %d, want 0", got.CurrentPlayers)
	}
	if got.Metadata["wave"] != "3" || got.Metadata["kills"] != "10" {
		t.Fatalf("metadata merge lost keys: %v", got.Metadata)
	}
}

func TestHeartbeatUnknownServer(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	if r.Heartbeat("no-such-id", 1, StatusReady, nil) {
		t.Fatal("heartbeat for unknown server should report not known")
	}
}

func TestStatusChangePublishedBeforeHeartbeat(t *testing.T) {
	t.Parallel()

	r, bus := newTestRegistry(t)
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)

	sv := r.RegisterServer(RegisterRequest{Name: "srv", MaxPlayers: 4, Port: 1}, "10.0.0.1")
	r.Heartbeat(sv.ID, 0, StatusReady, nil)
	bus.Flush()

	kinds := rec.snapshot()
	var statusIdx, beatIdx = -1, -1
	for i, k := range kinds {
		switch k {
		case event.KindServerStatusChanged:
			statusIdx = i
		case event.KindServerHeartbeat:
			beatIdx = i
		}
	}
	if statusIdx == -1 || beatIdx == -1 {
		t.Fatalf("missing events, got %v", kinds)
	}
	if statusIdx > beatIdx {
		t.Fatalf("status change dispatched after heartbeat: %v", kinds)
	}
}

func TestUnregisterDetachesSessions(t *testing.T) {
	t.Parallel()

	r, bus := newTestRegistry(t)
	sv := registerReady(t, r, "srv-01", 4)

	s1 := r.CreatePlayerSession("p1", "Player One")
	s2 := r.CreatePlayerSession("p2", "Player Two")
	if !r.JoinServer(s1.ID, sv.ID) || !r.JoinServer(s2.ID, sv.ID) {
		t.Fatal("join failed")
	}

	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)

	if !r.UnregisterServer(sv.ID, "maintenance") {
		t.Fatal("unregister failed")
	}
	bus.Flush()

	if _, ok := r.GetServer(sv.ID); ok {
		t.Fatal("server still reachable after unregister")
	}

	// 会话保留但不再指向该服务器
	for _, sid := range []string{s1.ID, s2.ID} {
		got, ok := r.GetSession(sid)
		if !ok {
			t.Fatalf("session %s lost on server unregister", sid)
		}
		if got.ServerID != "" {
			t.Fatalf("session %s still references dead server", sid)
		}
	}

	left, unreg := 0, 0
	for _, k := range rec.snapshot() {
		switch k {
		case event.KindPlayerLeftServer:
			left++
		case event.KindServerUnregistered:
			unreg++
		}
	}
	if left != 2 || unreg != 1 {
		t.Fatalf("got %d player_left_server and %d server_unregistered events", left, unreg)
	}

	if r.UnregisterServer(sv.ID, "again") {
		t.Fatal("double unregister should be a no-op")
	}
}

func TestSweepTimeouts(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	stale := registerReady(t, r, "stale", 4)
	fresh := registerReady(t, r, "fresh", 4)

	// starting 状态的实例尚未发出首次心跳，不参与清理
	starting := r.RegisterServer(RegisterRequest{Name: "boot", MaxPlayers: 4, Port: 1}, "10.0.0.2")

	// 把 stale 与 starting 的心跳时间拨回过去
	for _, id := range []string{stale.ID, starting.ID} {
		r.mu.RLock()
		inst := r.servers[id]
		r.mu.RUnlock()
		inst.mu.Lock()
		inst.lastHeartbeat = time.Now().Add(-2 * time.Minute)
		inst.mu.Unlock()
	}

	if n := r.SweepTimeouts(time.Minute); n != 1 {
		t.Fatalf("swept %d servers, want 1", n)
	}
	if _, ok := r.GetServer(stale.ID); ok {
		t.Fatal("stale server survived the sweep")
	}
	if _, ok := r.GetServer(fresh.ID); !ok {
		t.Fatal("fresh server removed by the sweep")
	}
	if _, ok := r.GetServer(starting.ID); !ok {
		t.Fatal("starting server removed by the sweep")
	}
}

func TestCreateSessionIdempotent(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	s1 := r.CreatePlayerSession("p1", "Player One")
	s2 := r.CreatePlayerSession("p1", "Player One")
	if s1.ID != s2.ID {
		t.Fatalf("reconnect created a second session: %s vs %s", s1.ID, s2.ID)
	}

	// 断连后再连得到新会话
	if !r.EndPlayerSession(s1.ID, "quit") {
		t.Fatal("end session failed")
	}
	s3 := r.CreatePlayerSession("p1", "Player One")
	if s3.ID == s1.ID {
		t.Fatal("expected a fresh session after disconnect")
	}

	got, ok := r.SessionForPlayer("p1")
	if !ok || got.ID != s3.ID {
		t.Fatalf("player index points at %v, want %s", got.ID, s3.ID)
	}
}

func TestJoinServerCapacity(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	sv := registerReady(t, r, "srv-01", 2)

	a := r.CreatePlayerSession("p1", "A")
	b := r.CreatePlayerSession("p2", "B")
	c := r.CreatePlayerSession("p3", "C")

	if !r.JoinServer(a.ID, sv.ID) || !r.JoinServer(b.ID, sv.ID) {
		t.Fatal("joins within capacity failed")
	}
	if r.JoinServer(c.ID, sv.ID) {
		t.Fatal("join beyond capacity succeeded")
	}

	got, _ := r.GetServer(sv.ID)
	if got.CurrentPlayers != 2 {
		t.Fatalf("current players = %d, want 2", got.CurrentPlayers)
	}

	// 同一服务器重复加入幂等
	if !r.JoinServer(a.ID, sv.ID) {
		t.Fatal("re-join of same server should succeed")
	}
	got, _ = r.GetServer(sv.ID)
	if got.CurrentPlayers != 2 {
		t.Fatalf("re-join changed count to %d", got.CurrentPlayers)
	}
}

func TestJoinServerRequiresReady(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	sv := r.RegisterServer(RegisterRequest{Name: "srv", MaxPlayers: 4, Port: 1}, "10.0.0.1")
	s := r.CreatePlayerSession("p1", "A")

	// starting 状态不可加入
	if r.JoinServer(s.ID, sv.ID) {
		t.Fatal("join of a starting server succeeded")
	}

	r.Heartbeat(sv.ID, 0, StatusReady, nil)
	if !r.JoinServer(s.ID, sv.ID) {
		t.Fatal("join of a ready server failed")
	}
}

func TestJoinSwitchesServer(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	first := registerReady(t, r, "first", 4)
	second := registerReady(t, r, "second", 4)

	s := r.CreatePlayerSession("p1", "A")
	if !r.JoinServer(s.ID, first.ID) {
		t.Fatal("initial join failed")
	}
	if !r.JoinServer(s.ID, second.ID) {
		t.Fatal("switch join failed")
	}

	f, _ := r.GetServer(first.ID)
	sec, _ := r.GetServer(second.ID)
	if f.CurrentPlayers != 0 {
		t.Fatalf("old server count = %d after switch, want 0", f.CurrentPlayers)
	}
	if sec.CurrentPlayers != 1 {
		t.Fatalf("new server count = %d after switch, want 1", sec.CurrentPlayers)
	}

	got, _ := r.GetSession(s.ID)
	if got.ServerID != second.ID {
		t.Fatalf("session points at %s, want %s", got.ServerID, second.ID)
	}
}

func TestLeaveEmptiesInGameServer(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	sv := registerReady(t, r, "srv", 4)
	s := r.CreatePlayerSession("p1", "A")

	if !r.JoinServer(s.ID, sv.ID) {
		t.Fatal("join failed")
	}
	r.SetServerStatus(sv.ID, StatusInGame)

	if !r.LeaveServer(s.ID) {
		t.Fatal("leave failed")
	}

	got, _ := r.GetServer(sv.ID)
	if got.Status != StatusReady {
		t.Fatalf("emptied in_game server status = %v, want ready", got.Status)
	}
	if got.CurrentPlayers != 0 {
		t.Fatalf("current players = %d, want 0", got.CurrentPlayers)
	}
}

func TestFailedSwitchKeepsOldBinding(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	first := registerReady(t, r, "first", 4)
	full := registerReady(t, r, "full", 1)

	blocker := r.CreatePlayerSession("blocker", "B")
	if !r.JoinServer(blocker.ID, full.ID) {
		t.Fatal("blocker join failed")
	}

	s := r.CreatePlayerSession("p1", "A")
	if !r.JoinServer(s.ID, first.ID) {
		t.Fatal("initial join failed")
	}

	// 目标满员：换服失败，原有绑定不受影响
	if r.JoinServer(s.ID, full.ID) {
		t.Fatal("join to full server should fail")
	}
	if r.JoinServer(s.ID, "no-such-server") {
		t.Fatal("join to unknown server should fail")
	}

	got, _ := r.GetSession(s.ID)
	if got.ServerID != first.ID {
		t.Fatalf("session points at %q after failed switch, want %s", got.ServerID, first.ID)
	}
	f, _ := r.GetServer(first.ID)
	if f.CurrentPlayers != 1 {
		t.Fatalf("old server count = %d after failed switch, want 1", f.CurrentPlayers)
	}
}

func TestEndSessionLeavesServerFirst(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	sv := registerReady(t, r, "srv", 4)
	s := r.CreatePlayerSession("p1", "A")
	r.JoinServer(s.ID, sv.ID)

	if !r.EndPlayerSession(s.ID, "quit") {
		t.Fatal("end session failed")
	}

	got, _ := r.GetServer(sv.ID)
	if got.CurrentPlayers != 0 {
		t.Fatalf("server count = %d after session end, want 0", got.CurrentPlayers)
	}

	sess, ok := r.GetSession(s.ID)
	if !ok {
		t.Fatal("session should survive disconnect until the grace sweep")
	}
	if sess.Connected {
		t.Fatal("session still marked connected")
	}
}

func TestEndSessionTwiceIsNoop(t *testing.T) {
	t.Parallel()

	r, bus := newTestRegistry(t)
	rec := &eventRecorder{}
	bus.Subscribe(event.KindPlayerDisconnected, rec.record)

	s := r.CreatePlayerSession("p1", "A")
	if !r.EndPlayerSession(s.ID, "quit") {
		t.Fatal("first end failed")
	}

	// 会话断连后、宽限清理前重复结束：失败且不重复发事件
	if r.EndPlayerSession(s.ID, "quit") {
		t.Fatal("second end on disconnected session should fail")
	}

	bus.Flush()
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("published %d disconnect events, want 1", n)
	}
}

func TestSweepSessions(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	s := r.CreatePlayerSession("p1", "A")
	r.EndPlayerSession(s.ID, "quit")

	// 宽限期内保留
	if n := r.SweepSessions(time.Hour); n != 0 {
		t.Fatalf("swept %d sessions within grace, want 0", n)
	}

	// 拨回活动时间
	r.sessions.mu.Lock()
	r.sessions.sessions[s.ID].lastActivity = time.Now().Add(-2 * time.Hour)
	r.sessions.mu.Unlock()

	if n := r.SweepSessions(time.Hour); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if _, ok := r.GetSession(s.ID); ok {
		t.Fatal("session survived the sweep")
	}
}

func TestAvailableServers(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	ready := registerReady(t, r, "ready", 4)
	full := registerReady(t, r, "full", 1)
	other := registerReady(t, r, "other-mode", 4)

	r.Heartbeat(full.ID, 1, StatusReady, nil)

	r.mu.RLock()
	inst := r.servers[other.ID]
	r.mu.RUnlock()
	inst.mu.Lock()
	inst.gameMode = "deathmatch"
	inst.mu.Unlock()

	got := r.AvailableServers("survival", 1)
	if len(got) != 1 || got[0].ID != ready.ID {
		t.Fatalf("available servers = %+v, want only %s", got, ready.ID)
	}
}
