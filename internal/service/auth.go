package service

import (
	"context"
	"errors"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"go.uber.org/zap"
)

// 认证相关错误
var (
	ErrInvalidCredentials = errors.New("用户名或密码错误")
	ErrAccountLocked      = errors.New("账户已锁定，请稍后再试")
	ErrAccountDisabled    = errors.New("账户已禁用")
)

// AuthService 登录凭据校验
type AuthService interface {
	// Authenticate 验证用户凭据
	Authenticate(ctx context.Context, username, password string) (*model.User, error)
	// AuthenticateByEmail 通过邮箱验证用户凭据
	AuthenticateByEmail(ctx context.Context, email, password string) (*model.User, error)
}

type authService struct {
	userRepo repository.UserRepository
	now      func() time.Time
	logger   *zap.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(userRepo repository.UserRepository, logger *zap.Logger) AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &authService{userRepo: userRepo, now: time.Now, logger: logger}
}

func (s *authService) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, s.lookupError(err)
	}
	return s.validateAndAuthenticate(ctx, user, password)
}

func (s *authService) AuthenticateByEmail(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, s.lookupError(err)
	}
	return s.validateAndAuthenticate(ctx, user, password)
}

// lookupError 用户不存在与密码错误对外不可区分
func (s *authService) lookupError(err error) error {
	if errors.Is(err, repository.ErrUserNotFound) {
		return ErrInvalidCredentials
	}
	return err
}

// validateAndAuthenticate 验证用户并执行认证
func (s *authService) validateAndAuthenticate(ctx context.Context, user *model.User, password string) (*model.User, error) {
	now := s.now()

	// 检查账户是否被锁定
	if user.IsLocked(now) {
		return nil, ErrAccountLocked
	}

	// 检查账户是否被禁用
	if !user.IsActive() {
		return nil, ErrAccountDisabled
	}

	if !user.VerifyPassword(password) {
		user.IncrementFailedLogin(now)
		if err := s.userRepo.UpdateLoginState(ctx, user); err != nil {
			s.logger.Warn("更新登录失败次数失败", zap.String("username", user.Username), zap.Error(err))
		}
		return nil, ErrInvalidCredentials
	}

	// 登录成功，重置失败次数
	if user.FailedLoginCount > 0 || user.LockedUntil != nil {
		user.ResetFailedLogin()
		if err := s.userRepo.UpdateLoginState(ctx, user); err != nil {
			s.logger.Warn("重置登录失败次数失败", zap.String("username", user.Username), zap.Error(err))
		}
	}

	return user, nil
}

// IsPasswordStrong 检查密码强度
// 密码要求：最小 8 位，包含大写字母、小写字母、数字
func IsPasswordStrong(password string) bool {
	if len(password) < 8 {
		return false
	}

	var hasUpper, hasLower, hasDigit bool
	for _, c := range password {
		switch {
		case c >= 'A' && c <= 'Z':
			hasUpper = true
		case c >= 'a' && c <= 'z':
			hasLower = true
		case c >= '0' && c <= '9':
			hasDigit = true
		}
	}

	return hasUpper && hasLower && hasDigit
}
