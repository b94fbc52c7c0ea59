package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/pkg/logger"
	"github.com/qiminjie89/fleetsys/pkg/metrics"
)

// Handler 事件处理函数
type Handler func(Event)

// Bus 异步事件总线
// 单个消费 goroutine 严格按发布顺序分发；对每个事件先调用类型订阅者，
// 再调用通配订阅者，均按注册顺序。订阅者的失败被隔离，不影响后续分发。
type Bus struct {
	queue chan Event

	mu       sync.RWMutex
	typed    map[Kind][]Handler
	wildcard []Handler

	stopped chan struct{}
}

// flushMarker 内部哨兵事件，用于 Flush 等待队列排空
type flushMarker struct {
	done chan struct{}
}

func (flushMarker) EventKind() Kind { return "" }

// NewBus 创建事件总线
// queueSize <= 0 时使用缺省容量。队列满时丢弃最旧的事件（drop-oldest）：
// 心跳/状态类事件会被周期刷新，丢最旧优于阻塞发布方。
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Bus{
		queue:   make(chan Event, queueSize),
		typed:   make(map[Kind][]Handler),
		stopped: make(chan struct{}),
	}
}

// Subscribe 注册类型订阅者
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typed[kind] = append(b.typed[kind], h)
}

// SubscribeAll 注册通配订阅者（审计/推送）
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Publish 发布事件（非阻塞，入队即返回）
func (b *Bus) Publish(ev Event) {
	select {
	case <-b.stopped:
		return
	default:
	}

	metrics.BusEventsPublished.WithLabelValues(string(ev.EventKind())).Inc()

	for {
		select {
		case b.queue <- ev:
			metrics.BusQueueSize.Set(float64(len(b.queue)))
			return
		default:
		}

		// 队列满，腾出最旧的一个位置
		select {
		case <-b.queue:
			metrics.BusEventsDropped.Inc()
		default:
		}
	}
}

// Flush 等待当前已入队的事件全部分发完成
func (b *Bus) Flush() {
	m := flushMarker{done: make(chan struct{})}
	select {
	case <-b.stopped:
		return
	case b.queue <- m:
	}
	<-m.done
}

// Run 运行分发循环；ctx 取消后排空剩余事件再返回
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			close(b.stopped)
			return
		case ev := <-b.queue:
			b.dispatch(ev)
			metrics.BusQueueSize.Set(float64(len(b.queue)))
		}
	}
}

// drain 排空队列（关停时不丢弃在途事件）
func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		default:
			return
		}
	}
}

// dispatch 分发单个事件
func (b *Bus) dispatch(ev Event) {
	if m, ok := ev.(flushMarker); ok {
		close(m.done)
		return
	}

	b.mu.RLock()
	typed := b.typed[ev.EventKind()]
	wildcard := b.wildcard
	b.mu.RUnlock()

	for _, h := range typed {
		b.invoke(h, ev)
	}
	for _, h := range wildcard {
		b.invoke(h, ev)
	}
}

// invoke 调用订阅者并隔离 panic
func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusHandlerFailures.WithLabelValues(string(ev.EventKind())).Inc()
			logger.Error("event handler panicked",
				zap.String("kind", string(ev.EventKind())),
				zap.Any("panic", r),
			)
		}
	}()
	h(ev)
}
