package director

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/fleet"
	"github.com/qiminjie89/fleetsys/pkg/logger"
)

// ErrNoCommand 未配置启动命令
var ErrNoCommand = errors.New("director: no spawn command configured")

// ErrUnknownInstance 找不到待终止的实例进程
var ErrUnknownInstance = errors.New("director: unknown instance")

// ExecProvisioner 进程级供给实现
// Spawn 拉起配置的游戏服务器命令，实例启动后自行注册并在
// 元数据中上报 pid；Terminate 依据该 pid 发送 SIGTERM，由
// 实例的退出流程完成注销
type ExecProvisioner struct {
	command  string
	args     []string
	env      []string
	registry *fleet.Registry
}

// NewExecProvisioner 创建进程供给器
func NewExecProvisioner(command string, args, env []string, registry *fleet.Registry) *ExecProvisioner {
	return &ExecProvisioner{
		command:  command,
		args:     args,
		env:      env,
		registry: registry,
	}
}

// Spawn 启动一个游戏服务器进程
// 进程与 fleetd 生命周期解耦，不随 ctx 取消而终止
func (p *ExecProvisioner) Spawn(ctx context.Context) error {
	if p.command == "" {
		return ErrNoCommand
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	cmd := exec.Command(p.command, p.args...)
	cmd.Env = append(os.Environ(), p.env...)

	if err := cmd.Start(); err != nil {
		return err
	}

	logger.Info("spawned game server process",
		zap.String("command", p.command),
		zap.Int("pid", cmd.Process.Pid),
	)

	// 回收退出状态，避免僵尸进程
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("game server process exited",
				zap.Int("pid", cmd.Process.Pid),
				zap.Error(err),
			)
		}
	}()

	return nil
}

// Terminate 终止指定实例
// 实例在注册元数据中上报的 pid 是唯一可用的进程句柄；收到
// SIGTERM 的实例应走自己的优雅退出并调用注销接口
func (p *ExecProvisioner) Terminate(ctx context.Context, serverID string) error {
	sv, ok := p.registry.GetServer(serverID)
	if !ok {
		return ErrUnknownInstance
	}

	pidStr, ok := sv.Metadata["pid"]
	if !ok {
		// 非本机托管的实例：从舰队摘除，由外部编排回收
		p.registry.UnregisterServer(serverID, "terminated")
		return nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return ErrUnknownInstance
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	logger.Info("sent SIGTERM to game server process",
		zap.String("server_id", serverID),
		zap.Int("pid", pid),
	)
	return nil
}
