package service

import (
	"context"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
)

// ConsumptionEngine 票据消费引擎
// 同一票据被并发消费时只有一个调用方成功，其余得到 ErrTicketAlreadyConsumed
type ConsumptionEngine interface {
	Consume(ctx context.Context, ticket model.Consumable) error
}

type consumptionEngine struct {
	repo repository.TicketRepository
	now  func() time.Time
}

// NewConsumptionEngine 创建消费引擎，now 为空时使用 time.Now
func NewConsumptionEngine(repo repository.TicketRepository, now func() time.Time) ConsumptionEngine {
	if now == nil {
		now = time.Now
	}
	return &consumptionEngine{repo: repo, now: now}
}

// Consume 消费票据，原子性由存储层的比较并交换保证
func (e *consumptionEngine) Consume(ctx context.Context, ticket model.Consumable) error {
	if !ticket.Consumable() {
		return ErrInvalidTicketKind
	}
	return e.repo.Consume(ctx, ticket.TicketID(), e.now())
}
