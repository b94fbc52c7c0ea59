package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/fleetsys/internal/event"
	"github.com/qiminjie89/fleetsys/internal/protocol"
	"github.com/qiminjie89/fleetsys/pkg/logger"
	"github.com/qiminjie89/fleetsys/pkg/metrics"
)

// auditEvent 通配订阅者：把每个领域事件转发到审计 topic
// 按事件类型作为分区 key，同类事件保序
func (s *Server) auditEvent(ev event.Event) {
	payload, err := protocol.Encode(ev)
	if err != nil {
		logger.Warn("encode audit event failed",
			zap.String("kind", string(ev.EventKind())),
			zap.Error(err),
		)
		return
	}

	frame := protocol.NewEventFrame(string(ev.EventKind()), payload)
	data, err := protocol.Encode(frame)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.audit.Send(ctx, []byte(ev.EventKind()), data); err != nil {
		metrics.AuditSendFailures.Inc()
		return
	}
	metrics.AuditEventsSent.Inc()
}
