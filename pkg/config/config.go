// Package config 提供配置加载功能
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FleetdConfig fleetd 配置
type FleetdConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Bus        BusConfig        `yaml:"bus"`
	Fleet      FleetConfig      `yaml:"fleet"`
	Matchmaker MatchmakerConfig `yaml:"matchmaker"`
	Director   DirectorConfig   `yaml:"director"`
	Provision  ProvisionConfig  `yaml:"provision"`
	Notify     NotifyConfig     `yaml:"notify"`
	Auth       AuthConfig       `yaml:"auth"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	History    HistoryConfig    `yaml:"history"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig 服务器基础配置
type ServerConfig struct {
	ID         string `yaml:"id"`
	APIAddr    string `yaml:"api_addr"`
	TrustProxy bool   `yaml:"trust_proxy"`

	// API 限流（每个来源 IP）
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// FleetConfig 舰队注册表配置
type FleetConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SessionGrace     time.Duration `yaml:"session_grace"`
}

// MatchmakerConfig 匹配器配置
type MatchmakerConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	TicketTimeout time.Duration `yaml:"ticket_timeout"`
	ConfirmWindow time.Duration `yaml:"confirm_window"`
	SkillBand     int           `yaml:"skill_band"`
}

// DirectorConfig 扩缩容控制配置
type DirectorConfig struct {
	MinServers       int           `yaml:"min_servers"`
	MaxServers       int           `yaml:"max_servers"`
	PlayersPerServer int           `yaml:"players_per_server"`
	Interval         time.Duration `yaml:"interval"`
	Cooldown         time.Duration `yaml:"cooldown"`
	ScaleUpLoad      float64       `yaml:"scale_up_load"`
	ScaleDownLoad    float64       `yaml:"scale_down_load"`
}

// ProvisionConfig 实例供给配置
// command 为空表示舰队由外部托管，扩缩容动作只发事件
type ProvisionConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// NotifyConfig 事件推送配置
type NotifyConfig struct {
	SendChSize int `yaml:"send_ch_size"`
}

// AuthConfig 会话令牌配置
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// KafkaConfig 事件审计流配置
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// HistoryConfig 对局归档配置
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoadFleetdConfig 加载 fleetd 配置
func LoadFleetdConfig(path string) (*FleetdConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultFleetdConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultFleetdConfig 返回缺省配置（未在 yaml 中覆盖的字段生效）
func defaultFleetdConfig() *FleetdConfig {
	return &FleetdConfig{
		Server: ServerConfig{
			APIAddr:         ":8080",
			RateLimit:       60,
			RateLimitWindow: time.Minute,
		},
		Bus: BusConfig{QueueSize: 4096},
		Fleet: FleetConfig{
			HeartbeatTimeout: 60 * time.Second,
			SweepInterval:    10 * time.Second,
			SessionGrace:     120 * time.Second,
		},
		Matchmaker: MatchmakerConfig{
			TickInterval:  time.Second,
			TicketTimeout: 60 * time.Second,
			ConfirmWindow: 5 * time.Second,
			SkillBand:     200,
		},
		Director: DirectorConfig{
			MinServers:       1,
			MaxServers:       10,
			PlayersPerServer: 4,
			Interval:         30 * time.Second,
			Cooldown:         60 * time.Second,
			ScaleUpLoad:      0.8,
			ScaleDownLoad:    0.3,
		},
		Notify: NotifyConfig{SendChSize: 256},
		Auth:   AuthConfig{TokenTTL: 24 * time.Hour},
	}
}
