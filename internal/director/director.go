package director

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/event"
	"github.com/qiminjie89/fleetsys/internal/fleet"
	"github.com/qiminjie89/fleetsys/pkg/logger"
	"github.com/qiminjie89/fleetsys/pkg/metrics"
)

// Config Director 配置
type Config struct {
	MinServers       int
	MaxServers       int
	PlayersPerServer int
	Interval         time.Duration
	Cooldown         time.Duration
	ScaleUpLoad      float64 // 超过则扩容
	ScaleDownLoad    float64 // 低于则缩容
}

// ScalingStatus 舰队容量快照（派生数据，不持久化）
type ScalingStatus struct {
	TotalServers   int     `json:"total_servers"`
	MinServers     int     `json:"min_servers"`
	MaxServers     int     `json:"max_servers"`
	TotalCapacity  int     `json:"total_capacity"`
	CurrentPlayers int     `json:"current_players"`
	AvailableSlots int     `json:"available_slots"`
	Utilization    float64 `json:"utilization"`
}

// Director 扩缩容控制环
// 按固定周期观察舰队利用率，决定扩容/缩容，并保底最小实例数
type Director struct {
	cfg         Config
	registry    *fleet.Registry
	bus         *event.Bus
	provisioner Provisioner

	mu         sync.Mutex
	lastAction time.Time
}

// NewDirector 创建 Director
func NewDirector(cfg Config, registry *fleet.Registry, bus *event.Bus, provisioner Provisioner) *Director {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.ScaleUpLoad <= 0 {
		cfg.ScaleUpLoad = 0.8
	}
	if cfg.ScaleDownLoad <= 0 {
		cfg.ScaleDownLoad = 0.3
	}

	d := &Director{
		cfg:         cfg,
		registry:    registry,
		bus:         bus,
		provisioner: provisioner,
	}

	// 非计划性损失（超时清理等）的补位不受冷却限制
	bus.Subscribe(event.KindServerUnregistered, func(ev event.Event) {
		d.onServerLost(ev.(event.ServerUnregistered))
	})

	return d
}

// Status 计算当前容量快照
func (d *Director) Status() ScalingStatus {
	servers := d.registry.ListServers()

	st := ScalingStatus{
		TotalServers: len(servers),
		MinServers:   d.cfg.MinServers,
		MaxServers:   d.cfg.MaxServers,
	}

	for _, sv := range servers {
		st.TotalCapacity += sv.MaxPlayers
		st.CurrentPlayers += sv.CurrentPlayers
		if sv.Status == fleet.StatusReady {
			st.AvailableSlots += sv.AvailableSlots()
		}
	}

	if st.TotalCapacity > 0 {
		st.Utilization = float64(st.CurrentPlayers) / float64(st.TotalCapacity)
	}

	return st
}

// EnsureMinimum 按缺口补齐到最小实例数（启动时调用，不受冷却限制）
// Spawn 可能是异步供给：进程稍后才自行注册，所以只按当前缺口发起
// 固定次数，不轮询注册数
func (d *Director) EnsureMinimum(ctx context.Context) {
	deficit := d.cfg.MinServers - d.registry.ServerCount()
	for i := 0; i < deficit; i++ {
		if err := d.provisioner.Spawn(ctx); err != nil {
			metrics.DirectorProvisionFailures.WithLabelValues("spawn").Inc()
			logger.Error("initial fleet fill failed", zap.Error(err))
			return
		}
		logger.Info("spawned server for minimum fleet",
			zap.Int("spawned", i+1),
			zap.Int("deficit", deficit),
		)
	}
}

// Run 运行扩缩容循环
func (d *Director) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evaluate(ctx, time.Now())
		}
	}
}

// evaluate 单轮决策
// 每轮最多一次扩容/缩容动作：渐进调节，避免单次噪声读数导致过冲
func (d *Director) evaluate(ctx context.Context, now time.Time) {
	st := d.Status()
	metrics.DirectorUtilization.Set(st.Utilization)

	d.mu.Lock()
	cooldownOver := d.lastAction.IsZero() || now.Sub(d.lastAction) >= d.cfg.Cooldown
	d.mu.Unlock()

	if !cooldownOver {
		return
	}

	needUp := st.Utilization > d.cfg.ScaleUpLoad || st.AvailableSlots < d.cfg.PlayersPerServer
	if needUp && st.TotalServers < d.cfg.MaxServers {
		d.scaleUp(ctx, st, now)
		return
	}

	if st.Utilization < d.cfg.ScaleDownLoad && st.TotalServers > d.cfg.MinServers {
		d.scaleDown(ctx, st, now)
	}
}

// scaleUp 扩容一个实例
func (d *Director) scaleUp(ctx context.Context, st ScalingStatus, now time.Time) {
	logger.Info("scaling up",
		zap.Float64("utilization", st.Utilization),
		zap.Int("available_slots", st.AvailableSlots),
		zap.Int("fleet_size", st.TotalServers),
	)

	d.bus.Publish(event.ScaleUpRequested{
		Reason:    "high_load",
		FleetSize: st.TotalServers,
		Load:      st.Utilization,
	})
	metrics.DirectorScaleActions.WithLabelValues("up").Inc()

	if err := d.provisioner.Spawn(ctx); err != nil {
		metrics.DirectorProvisionFailures.WithLabelValues("spawn").Inc()
		logger.Error("scale up spawn failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	d.lastAction = now
	d.mu.Unlock()
}

// scaleDown 终止一个空闲实例
// 只选 currentPlayers==0 且 ready 的服务器，绝不终止对局中的实例
func (d *Director) scaleDown(ctx context.Context, st ScalingStatus, now time.Time) {
	var victim string
	for _, sv := range d.registry.ListServers() {
		if sv.Status == fleet.StatusReady && sv.CurrentPlayers == 0 {
			victim = sv.ID
			break
		}
	}
	if victim == "" {
		return
	}

	logger.Info("scaling down",
		zap.String("server_id", victim),
		zap.Float64("utilization", st.Utilization),
		zap.Int("fleet_size", st.TotalServers),
	)

	d.bus.Publish(event.ScaleDownRequested{
		ServerID:  victim,
		Reason:    "low_load",
		FleetSize: st.TotalServers,
		Load:      st.Utilization,
	})
	metrics.DirectorScaleActions.WithLabelValues("down").Inc()

	if err := d.provisioner.Terminate(ctx, victim); err != nil {
		metrics.DirectorProvisionFailures.WithLabelValues("terminate").Inc()
		logger.Error("scale down terminate failed",
			zap.String("server_id", victim),
			zap.Error(err),
		)
		return
	}

	d.mu.Lock()
	d.lastAction = now
	d.mu.Unlock()
}

// onServerLost 服务器被移除后的补位检查
func (d *Director) onServerLost(ev event.ServerUnregistered) {
	if d.registry.ServerCount() >= d.cfg.MinServers {
		return
	}

	logger.Info("fleet below minimum after loss, spawning replacement",
		zap.String("lost_server_id", ev.ServerID),
		zap.String("reason", ev.Reason),
		zap.Int("fleet_size", d.registry.ServerCount()),
		zap.Int("min", d.cfg.MinServers),
	)

	metrics.DirectorScaleActions.WithLabelValues("replace").Inc()

	if err := d.provisioner.Spawn(context.Background()); err != nil {
		metrics.DirectorProvisionFailures.WithLabelValues("spawn").Inc()
		logger.Error("replacement spawn failed", zap.Error(err))
	}
}
