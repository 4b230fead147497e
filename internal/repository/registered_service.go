package repository

import (
	"context"
	"errors"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"gorm.io/gorm"
)

// 错误定义
var (
	ErrServiceNotFound = errors.New("注册服务不存在")
	ErrServiceExists   = errors.New("服务地址前缀已注册")
)

// RegisteredServiceRepository 注册服务数据访问接口
type RegisteredServiceRepository interface {
	Create(ctx context.Context, svc *model.RegisteredService) error
	GetByID(ctx context.Context, id string) (*model.RegisteredService, error)
	Delete(ctx context.Context, id string) error
	// ListActive 按优先级从高到低返回所有启用的服务
	ListActive(ctx context.Context) ([]*model.RegisteredService, error)
}

// registeredServiceRepository 注册服务数据访问实现
type registeredServiceRepository struct {
	db *gorm.DB
}

// NewRegisteredServiceRepository 创建注册服务数据访问实例
func NewRegisteredServiceRepository(db *gorm.DB) RegisteredServiceRepository {
	return &registeredServiceRepository{db: db}
}

// Create 注册服务
func (r *registeredServiceRepository) Create(ctx context.Context, svc *model.RegisteredService) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.RegisteredService{}).
		Where("url_prefix = ?", svc.URLPrefix).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrServiceExists
	}
	return r.db.WithContext(ctx).Create(svc).Error
}

// GetByID 根据 ID 获取注册服务
func (r *registeredServiceRepository) GetByID(ctx context.Context, id string) (*model.RegisteredService, error) {
	var svc model.RegisteredService
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &svc, nil
}

// Delete 删除注册服务（软删除）
func (r *registeredServiceRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.RegisteredService{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// ListActive 查询启用的注册服务
func (r *registeredServiceRepository) ListActive(ctx context.Context) ([]*model.RegisteredService, error) {
	var services []*model.RegisteredService
	err := r.db.WithContext(ctx).
		Where("status = ?", model.StatusActive).
		Order("priority DESC").
		Order("created_at").
		Find(&services).Error
	return services, err
}
