package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/orchestrator"
	"github.com/qiminjie89/fleetsys/pkg/config"
	"github.com/qiminjie89/fleetsys/pkg/logger"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "configs/fleetd.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadFleetdConfig(*configPath)
	if err != nil {
		panic("load config failed: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: cfg.Server.ID,
	}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting fleetd",
		zap.String("config", *configPath),
	)

	if cfg.Provision.Command == "" {
		logger.Warn("no provision command configured, fleet is externally managed")
	}

	// 创建并启动服务
	server, err := orchestrator.NewServer(cfg, nil)
	if err != nil {
		logger.Error("create server failed", zap.Error(err))
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		logger.Error("start server failed", zap.Error(err))
		os.Exit(1)
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	server.Stop()
}
