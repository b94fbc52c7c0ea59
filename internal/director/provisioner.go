// Package director 实现舰队扩缩容控制环
package director

import "context"

// Provisioner 实例供给接口
// 具体的进程/容器编排由外部实现；Director 只决定何时及多少
type Provisioner interface {
	// Spawn 启动一个新的游戏服务器实例
	// 实例启动后自行通过注册接口进入舰队
	Spawn(ctx context.Context) error

	// Terminate 终止指定实例
	Terminate(ctx context.Context, serverID string) error
}
