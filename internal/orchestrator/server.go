// Package orchestrator 组装舰队编排核心并提供对外接口
package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/director"
	"github.com/qiminjie89/fleetsys/internal/event"
	"github.com/qiminjie89/fleetsys/internal/fleet"
	"github.com/qiminjie89/fleetsys/internal/history"
	"github.com/qiminjie89/fleetsys/internal/match"
	"github.com/qiminjie89/fleetsys/pkg/auth"
	"github.com/qiminjie89/fleetsys/pkg/config"
	"github.com/qiminjie89/fleetsys/pkg/kafka"
	"github.com/qiminjie89/fleetsys/pkg/logger"
)

// Server 编排服务器
// 持有四个核心组件并负责生命周期：事件总线、舰队注册表、匹配器、Director
type Server struct {
	cfg *config.FleetdConfig

	bus        *event.Bus
	registry   *fleet.Registry
	games      *fleet.GameService
	matchmaker *match.Matchmaker
	director   *director.Director

	tokens  *auth.TokenIssuer
	hub     *notifyHub
	audit   *kafka.Producer
	archive *history.Store

	httpServer    *http.Server
	metricsServer *http.Server

	// 周期任务与总线使用独立的生命周期：
	// 先停周期任务，排空总线，再停分发循环
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup

	busCtx    context.Context
	busCancel context.CancelFunc
	busWg     sync.WaitGroup
}

// NewServer 创建编排服务器
// provisioner 为 nil 时按 provision 配置构建进程供给器
func NewServer(cfg *config.FleetdConfig, provisioner director.Provisioner) (*Server, error) {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	busCtx, busCancel := context.WithCancel(context.Background())

	bus := event.NewBus(cfg.Bus.QueueSize)
	registry := fleet.NewRegistry(bus)
	games := fleet.NewGameService(registry, bus)

	if provisioner == nil {
		provisioner = director.NewExecProvisioner(cfg.Provision.Command, cfg.Provision.Args, cfg.Provision.Env, registry)
	}

	s := &Server{
		cfg:        cfg,
		bus:        bus,
		registry:   registry,
		games:      games,
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		busCtx:     busCtx,
		busCancel:  busCancel,
	}

	s.matchmaker = match.NewMatchmaker(match.Config{
		TickInterval:  cfg.Matchmaker.TickInterval,
		TicketTimeout: cfg.Matchmaker.TicketTimeout,
		ConfirmWindow: cfg.Matchmaker.ConfirmWindow,
		SkillBand:     cfg.Matchmaker.SkillBand,
	}, registry, games, bus, nil)

	s.director = director.NewDirector(director.Config{
		MinServers:       cfg.Director.MinServers,
		MaxServers:       cfg.Director.MaxServers,
		PlayersPerServer: cfg.Director.PlayersPerServer,
		Interval:         cfg.Director.Interval,
		Cooldown:         cfg.Director.Cooldown,
		ScaleUpLoad:      cfg.Director.ScaleUpLoad,
		ScaleDownLoad:    cfg.Director.ScaleDownLoad,
	}, registry, bus, provisioner)

	if cfg.Auth.Secret != "" {
		s.tokens = auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	}

	s.hub = newNotifyHub(cfg.Server.ID, cfg.Notify.SendChSize, s.tokens)
	bus.SubscribeAll(s.hub.broadcast)

	if cfg.Kafka.Enabled {
		s.audit = kafka.NewProducer(&kafka.ProducerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		bus.SubscribeAll(s.auditEvent)
	}

	if cfg.History.Enabled {
		archive, err := history.Open(cfg.History.Path)
		if err != nil {
			loopCancel()
			busCancel()
			return nil, err
		}
		s.archive = archive
		bus.Subscribe(event.KindGameSessionEnded, s.archiveGame)
	}

	return s, nil
}

// Registry 暴露注册表（测试与嵌入场景）
func (s *Server) Registry() *fleet.Registry { return s.registry }

// Matchmaker 暴露匹配器
func (s *Server) Matchmaker() *match.Matchmaker { return s.matchmaker }

// Director 暴露 Director
func (s *Server) Director() *director.Director { return s.director }

// Start 启动服务
func (s *Server) Start() error {
	logger.Info("starting fleetd",
		zap.String("id", s.cfg.Server.ID),
		zap.String("api_addr", s.cfg.Server.APIAddr),
	)

	// 事件分发先行，后续组件的事件不丢
	s.busWg.Add(1)
	go func() {
		defer s.busWg.Done()
		s.bus.Run(s.busCtx)
	}()

	// API 先监听：进程供给的实例要通过注册接口上报，补齐放在其后
	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.runAPIServer()
	}()

	// 启动时按缺口补齐最小舰队，不受冷却限制
	s.director.EnsureMinimum(s.loopCtx)

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.matchmaker.Run(s.loopCtx)
	}()

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.director.Run(s.loopCtx)
	}()

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.sweepLoop()
	}()

	if s.cfg.Metrics.Enabled {
		s.loopWg.Add(1)
		go func() {
			defer s.loopWg.Done()
			s.runMetricsServer()
		}()
	}

	logger.Info("fleetd started")
	return nil
}

// Stop 停止服务
// 顺序：周期任务 → HTTP → 排空事件总线 → 外部管道
func (s *Server) Stop() {
	logger.Info("stopping fleetd")

	s.loopCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(shutdownCtx)
	}

	s.loopWg.Wait()

	// 在途事件分发完再停总线
	s.bus.Flush()
	s.busCancel()
	s.busWg.Wait()

	s.hub.closeAll("shutdown")

	if s.audit != nil {
		_ = s.audit.Close()
	}
	if s.archive != nil {
		_ = s.archive.Close()
	}

	logger.Info("fleetd stopped")
}

// sweepLoop 周期清理：心跳超时的服务器、过期的断连会话
func (s *Server) sweepLoop() {
	interval := s.cfg.Fleet.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
			s.registry.SweepTimeouts(s.cfg.Fleet.HeartbeatTimeout)
			s.registry.SweepSessions(s.cfg.Fleet.SessionGrace)
		}
	}
}

// runMetricsServer 运行指标服务
func (s *Server) runMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsServer = &http.Server{
		Addr:    s.cfg.Metrics.Addr,
		Handler: mux,
	}

	logger.Info("starting metrics server", zap.String("addr", s.cfg.Metrics.Addr))

	if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", zap.Error(err))
	}
}

// archiveGame 归档结束的对局
func (s *Server) archiveGame(ev event.Event) {
	ended, ok := ev.(event.GameSessionEnded)
	if !ok {
		return
	}
	if err := s.archive.Archive(ended); err != nil {
		logger.Error("archive game session failed",
			zap.String("game_id", ended.GameID),
			zap.Error(err),
		)
	}
}
