// Package main 提供舰队模拟器：注册假游戏服务器并驱动假玩家
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gorilla/websocket"
)

// 配置
var (
	apiAddr    = flag.String("api", "http://localhost:8080", "fleetd API address")
	wsAddr     = flag.String("ws", "", "fleetd event stream address (ws://...), empty to disable")
	numServers = flag.Int("servers", 3, "Number of fake game servers")
	numPlayers = flag.Int("players", 8, "Number of fake players")
	maxPlayers = flag.Int("max-players", 4, "Max players per fake server")
	gameMode   = flag.String("mode", "survival", "Game mode")
	heartbeat  = flag.Duration("heartbeat", 10*time.Second, "Server heartbeat interval")
	killOne    = flag.Bool("kill-one", false, "Silently stop one server's heartbeats to exercise the timeout sweep")
	duration   = flag.Duration("duration", 2*time.Minute, "Simulation duration, 0 to run until interrupted")
)

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("Starting fleet simulator...")
	log.Printf("  API: %s", *apiAddr)
	log.Printf("  Servers: %d  Players: %d", *numServers, *numPlayers)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	if *wsAddr != "" {
		wg.Add(1)
		go watchEvents(&wg, stop)
	}

	// 注册假服务器
	for i := 0; i < *numServers; i++ {
		srv := &fakeServer{
			name: fmt.Sprintf("sim-server-%02d", i),
			port: 7000 + i,
			// 第一个服务器可被选为静默宕机对象
			silent: *killOne && i == 0,
		}
		if err := srv.register(); err != nil {
			log.Fatalf("Register %s failed: %v", srv.name, err)
		}
		log.Printf("Registered %s as %s", srv.name, srv.id)

		wg.Add(1)
		go srv.run(&wg, stop)
	}

	// 驱动假玩家
	for i := 0; i < *numPlayers; i++ {
		playerID := fmt.Sprintf("sim-player-%02d", i)
		wg.Add(1)
		go runPlayer(&wg, stop, playerID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *duration > 0 {
		select {
		case <-sigCh:
		case <-time.After(*duration):
		}
	} else {
		<-sigCh
	}

	log.Printf("Stopping simulation...")
	close(stop)
	wg.Wait()
	log.Printf("Done")
}

// fakeServer 假游戏服务器
type fakeServer struct {
	name    string
	id      string
	port    int
	players int
	silent  bool
}

func (s *fakeServer) register() error {
	var resp struct {
		ServerID string `json:"server_id"`
	}
	err := post("/api/v1/server/register", map[string]interface{}{
		"name":        s.name,
		"port":        s.port,
		"max_players": *maxPlayers,
		"map_name":    "wave_defense_01",
		"game_mode":   *gameMode,
		"version":     "sim-1.0",
	}, &resp)
	if err != nil {
		return err
	}
	s.id = resp.ServerID
	return nil
}

func (s *fakeServer) run(wg *sync.WaitGroup, stop <-chan struct{}) {
	defer wg.Done()

	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			if !s.silent {
				_ = post("/api/v1/server/unregister", map[string]interface{}{
					"server_id": s.id,
					"reason":    "simulation_end",
				}, nil)
			}
			return
		case <-ticker.C:
			if s.silent {
				log.Printf("%s gone silent, waiting for the timeout sweep", s.name)
				continue
			}
			s.beat()
		}
	}
}

func (s *fakeServer) beat() {
	var resp struct {
		Known bool `json:"known"`
	}
	err := post("/api/v1/server/heartbeat", map[string]interface{}{
		"server_id":       s.id,
		"current_players": s.players,
		"status":          "ready",
		"metadata":        map[string]string{"pid": strconv.Itoa(os.Getpid())},
	}, &resp)
	if err != nil {
		log.Printf("Heartbeat %s failed: %v", s.name, err)
		return
	}
	if !resp.Known {
		// 被清理后重新注册，模拟实例重启
		log.Printf("%s no longer known, re-registering", s.name)
		if err := s.register(); err != nil {
			log.Printf("Re-register %s failed: %v", s.name, err)
		}
	}
}

// runPlayer 假玩家：建会话、提交匹配、轮询结果、玩一会儿再退出
func runPlayer(wg *sync.WaitGroup, stop <-chan struct{}, playerID string) {
	defer wg.Done()

	// 错开进场时间
	select {
	case <-stop:
		return
	case <-time.After(time.Duration(rand.Intn(5000)) * time.Millisecond):
	}

	var sess struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	if err := post("/api/v1/session/create", map[string]interface{}{
		"player_id":    playerID,
		"display_name": playerID,
	}, &sess); err != nil {
		log.Printf("Create session for %s failed: %v", playerID, err)
		return
	}

	var ticket struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := post("/api/v1/matchmaking/submit", map[string]interface{}{
		"player_id": playerID,
		"game_mode": *gameMode,
	}, &ticket); err != nil {
		log.Printf("Submit matchmaking for %s failed: %v", playerID, err)
		return
	}
	log.Printf("%s queued with ticket %s", playerID, ticket.ID)

	// 轮询匹配状态
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-stop:
			endSession(sess.SessionID)
			return
		case <-poll.C:
			var status struct {
				Ticket struct {
					Status string `json:"status"`
				} `json:"ticket"`
				Connection *struct {
					ServerID string `json:"server_id"`
					Address  string `json:"address"`
					Port     int    `json:"port"`
				} `json:"connection"`
			}
			if err := get("/api/v1/matchmaking/status?ticket_id="+ticket.ID, &status); err != nil {
				log.Printf("Poll ticket for %s failed: %v", playerID, err)
				continue
			}

			switch status.Ticket.Status {
			case "confirmed":
				if status.Connection != nil {
					log.Printf("%s matched to %s (%s:%d)", playerID,
						status.Connection.ServerID, status.Connection.Address, status.Connection.Port)
				}
				// 玩一会儿再下线
				select {
				case <-stop:
				case <-time.After(time.Duration(10+rand.Intn(20)) * time.Second):
				}
				endSession(sess.SessionID)
				return
			case "timed_out", "cancelled":
				log.Printf("%s matchmaking ended: %s", playerID, status.Ticket.Status)
				endSession(sess.SessionID)
				return
			}
		}
	}
}

func endSession(sessionID string) {
	_ = post("/api/v1/session/end", map[string]interface{}{
		"session_id": sessionID,
		"reason":     "sim_done",
	}, nil)
}

// watchEvents 订阅事件流并打印
func watchEvents(wg *sync.WaitGroup, stop <-chan struct{}) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(*wsAddr+"/ws/events", nil)
	if err != nil {
		log.Printf("Event stream connect failed: %v", err)
		return
	}

	go func() {
		<-stop
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Kind      string `msgpack:"kind"`
			Timestamp int64  `msgpack:"ts"`
		}
		if err := msgpack.Unmarshal(data, &frame); err != nil {
			continue
		}
		log.Printf("[event] %s", frame.Kind)
	}
}

func post(path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := client.Post(*apiAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func get(path string, out interface{}) error {
	resp, err := client.Get(*apiAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
