package service

import (
	"context"
	"fmt"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
)

// ServiceRegistry 注册服务校验
type ServiceRegistry interface {
	// Register 注册服务，URL 前缀先经过规范化
	Register(ctx context.Context, svc *model.RegisteredService) error
	// Lookup 查找规范化服务地址对应的注册服务，未找到时返回 ErrServiceNotAllowed
	Lookup(ctx context.Context, normalizedService string) (*model.RegisteredService, error)
}

type serviceRegistry struct {
	repo    repository.RegisteredServiceRepository
	matcher *ServiceMatcher
}

// NewServiceRegistry 创建注册服务校验
func NewServiceRegistry(repo repository.RegisteredServiceRepository, matcher *ServiceMatcher) ServiceRegistry {
	return &serviceRegistry{repo: repo, matcher: matcher}
}

func (r *serviceRegistry) Register(ctx context.Context, svc *model.RegisteredService) error {
	if svc.Name == "" {
		return fmt.Errorf("%w: 服务名称不能为空", ErrInvalidRequest)
	}
	prefix, err := r.matcher.Normalize(svc.URLPrefix)
	if err != nil {
		return err
	}
	svc.URLPrefix = prefix
	if svc.Status == "" {
		svc.Status = model.StatusActive
	}
	return r.repo.Create(ctx, svc)
}

func (r *serviceRegistry) Lookup(ctx context.Context, normalizedService string) (*model.RegisteredService, error) {
	services, err := r.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询注册服务失败: %w", err)
	}
	for _, svc := range services {
		if svc.IsActive() && svc.Matches(normalizedService) {
			return svc, nil
		}
	}
	return nil, ErrServiceNotAllowed
}
