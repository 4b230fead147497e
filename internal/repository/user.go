package repository

import (
	"context"
	"errors"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound       = errors.New("用户不存在")
	ErrUserUsernameExists = errors.New("用户名已存在")
	ErrUserEmailExists    = errors.New("邮箱已存在")
)

// UserRepository 本地账户数据访问接口
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateLoginState(ctx context.Context, user *model.User) error
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	exists, err := r.exists(ctx, "username = ?", user.Username)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserUsernameExists
	}
	if user.Email != "" {
		exists, err = r.exists(ctx, "email = ?", user.Email)
		if err != nil {
			return err
		}
		if exists {
			return ErrUserEmailExists
		}
	}
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.first(ctx, "username = ?", username)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.first(ctx, "email = ?", email)
}

// UpdateLoginState 只更新登录失败计数与锁定时间
func (r *userRepository) UpdateLoginState(ctx context.Context, user *model.User) error {
	result := r.db.WithContext(ctx).Model(user).
		Select("failed_login_count", "locked_until").
		Updates(map[string]interface{}{
			"failed_login_count": user.FailedLoginCount,
			"locked_until":       user.LockedUntil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *userRepository) first(ctx context.Context, query string, arg interface{}) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) exists(ctx context.Context, query string, arg interface{}) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.User{}).Where(query, arg).Count(&count).Error
	return count > 0, err
}
