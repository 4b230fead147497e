package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 票据存储错误
var (
	ErrTicketNotFound        = errors.New("票据不存在")
	ErrTicketAlreadyConsumed = errors.New("票据已被使用")
	ErrTicketExists          = errors.New("票据标识已存在")
	ErrStoreUnavailable      = errors.New("票据存储不可用")
)

// TicketRepository 票据存储
//
// Delete 与 SweepExpired 沿所有权级联删除：TGT 拥有其下的 ST、PT、PGT，
// PGT 拥有由它签发的 PT 以及由这些 PT 换得的下级 PGT。
// 除 ErrTicketNotFound、ErrTicketAlreadyConsumed、ErrTicketExists 外，
// 底层存储的任何错误都以 ErrStoreUnavailable 返回。
type TicketRepository interface {
	Put(ctx context.Context, ticket *model.Ticket) error
	Get(ctx context.Context, id string) (*model.Ticket, error)
	// Delete 删除票据及其全部下级票据，返回删除的票据总数
	Delete(ctx context.Context, id string) (int64, error)
	// FindChildren 查询引用 parentID 的票据（包括仅记录来源的 PGT）
	FindChildren(ctx context.Context, parentID string) ([]*model.Ticket, error)
	// Consume 原子地把 consumed 从空置为 at，已消费时返回 ErrTicketAlreadyConsumed
	Consume(ctx context.Context, id string, at time.Time) error
	// SweepExpired 在一个事务内删除创建时间早于 maxAge 的 kind 类票据（连同下级票据），
	// 返回匹配的 kind 类票据数量
	SweepExpired(ctx context.Context, kind model.TicketKind, maxAge time.Duration) (int64, error)
}

// ticketRepository 基于 GORM 的票据存储
type ticketRepository struct {
	db *gorm.DB
}

// NewTicketRepository 创建基于关系数据库的票据存储
func NewTicketRepository(db *gorm.DB) TicketRepository {
	return &ticketRepository{db: db}
}

// Put 保存票据，上级票据在同一事务内加行锁并校验存在
func (r *ticketRepository) Put(ctx context.Context, ticket *model.Ticket) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if parents := ticket.ParentIDs(); len(parents) > 0 {
			var ids []string
			err := tx.Model(&model.Ticket{}).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("ticket IN ?", parents).
				Pluck("ticket", &ids).Error
			if err != nil {
				return err
			}
			if len(ids) != len(parents) {
				return ErrTicketNotFound
			}
		}
		return tx.Create(ticket).Error
	})
	return storeError(err)
}

// Get 根据标识获取票据
func (r *ticketRepository) Get(ctx context.Context, id string) (*model.Ticket, error) {
	var ticket model.Ticket
	err := r.db.WithContext(ctx).Where("ticket = ?", id).First(&ticket).Error
	if err != nil {
		return nil, storeError(err)
	}
	return &ticket, nil
}

// Delete 级联删除票据
func (r *ticketRepository) Delete(ctx context.Context, id string) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var roots []string
		err := tx.Model(&model.Ticket{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("ticket = ?", id).
			Pluck("ticket", &roots).Error
		if err != nil {
			return err
		}
		if len(roots) == 0 {
			return ErrTicketNotFound
		}
		deleted, err = destroyOwned(tx, roots)
		return err
	})
	if err != nil {
		return 0, storeError(err)
	}
	return deleted, nil
}

// FindChildren 查询引用 parentID 的票据
func (r *ticketRepository) FindChildren(ctx context.Context, parentID string) ([]*model.Ticket, error) {
	var tickets []*model.Ticket
	err := r.db.WithContext(ctx).
		Where("tgt_id = ? OR st_id = ? OR pgt_id = ?", parentID, parentID, parentID).
		Order("created_on").
		Find(&tickets).Error
	if err != nil {
		return nil, storeError(err)
	}
	return tickets, nil
}

// Consume 条件更新实现比较并交换，只有一个调用方能影响到这一行
func (r *ticketRepository) Consume(ctx context.Context, id string, at time.Time) error {
	db := r.db.WithContext(ctx)
	result := db.Model(&model.Ticket{}).
		Where("ticket = ? AND consumed IS NULL", id).
		Update("consumed", at)
	if result.Error != nil {
		return storeError(result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := db.Model(&model.Ticket{}).Where("ticket = ?", id).Count(&count).Error; err != nil {
		return storeError(err)
	}
	if count == 0 {
		return ErrTicketNotFound
	}
	return ErrTicketAlreadyConsumed
}

// SweepExpired 清理过期票据，计数与删除在同一事务内完成
func (r *ticketRepository) SweepExpired(ctx context.Context, kind model.TicketKind, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	var count int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []string
		err := tx.Model(&model.Ticket{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("kind = ? AND created_on < ?", kind, cutoff).
			Pluck("ticket", &expired).Error
		if err != nil {
			return err
		}
		count = int64(len(expired))
		if count == 0 {
			return nil
		}
		_, err = destroyOwned(tx, expired)
		return err
	})
	if err != nil {
		return 0, storeError(err)
	}
	return count, nil
}

// destroyOwned 按所有权逐层收集下级票据后一次性删除
func destroyOwned(tx *gorm.DB, roots []string) (int64, error) {
	seen := make(map[string]struct{}, len(roots))
	all := make([]string, 0, len(roots))
	frontier := roots
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			all = append(all, id)
			next = append(next, id)
		}
		if len(next) == 0 {
			break
		}

		var children []string
		err := tx.Model(&model.Ticket{}).
			Where("tgt_id IN ? OR pgt_id IN ?", next, next).
			Pluck("ticket", &children).Error
		if err != nil {
			return 0, err
		}
		frontier = children
	}

	result := tx.Where("ticket IN ?", all).Delete(&model.Ticket{})
	return result.RowsAffected, result.Error
}

// storeError 把底层错误归类为票据存储错误
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTicketNotFound),
		errors.Is(err, ErrTicketAlreadyConsumed),
		errors.Is(err, ErrTicketExists),
		errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrTicketNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrTicketExists
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
