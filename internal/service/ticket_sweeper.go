package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TicketSweeper 周期性清理过期票据
type TicketSweeper struct {
	tickets  TicketService
	interval time.Duration
	logger   *zap.Logger
}

// NewTicketSweeper 创建清理任务，interval 为 0 时默认 2 分钟
func NewTicketSweeper(tickets TicketService, interval time.Duration, logger *zap.Logger) *TicketSweeper {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketSweeper{tickets: tickets, interval: interval, logger: logger}
}

// Run 立即清理一次，之后按间隔执行，直到 ctx 结束
func (s *TicketSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *TicketSweeper) sweep(ctx context.Context) {
	if _, err := s.tickets.SweepExpiredAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("清理过期票据失败", zap.Error(err))
	}
}
