package model

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// 登录失败锁定策略
const (
	MaxFailedLogins = 5
	LockDuration    = 15 * time.Minute
)

// User 本地账户，供凭据校验器使用
type User struct {
	BaseModel
	Username         string     `gorm:"type:varchar(100);uniqueIndex" json:"username"`
	Email            string     `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	Phone            string     `gorm:"type:varchar(20);index" json:"phone,omitempty"`
	PasswordHash     string     `gorm:"type:varchar(255)" json:"-"`
	DisplayName      string     `gorm:"type:varchar(100)" json:"display_name"`
	Status           string     `gorm:"type:varchar(20);default:active" json:"status"`
	FailedLoginCount int        `gorm:"default:0" json:"-"`
	LockedUntil      *time.Time `json:"-"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// SetPassword 设置密码（哈希存储）
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// VerifyPassword 验证密码
func (u *User) VerifyPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}

// IsActive 检查用户是否启用
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// IsLocked 检查用户在 now 时刻是否处于锁定期
func (u *User) IsLocked(now time.Time) bool {
	if u.LockedUntil == nil {
		return false
	}
	return now.Before(*u.LockedUntil)
}

// IncrementFailedLogin 增加登录失败次数，达到上限后锁定
func (u *User) IncrementFailedLogin(now time.Time) {
	u.FailedLoginCount++
	if u.FailedLoginCount >= MaxFailedLogins {
		lockTime := now.Add(LockDuration)
		u.LockedUntil = &lockTime
	}
}

// ResetFailedLogin 重置登录失败次数
func (u *User) ResetFailedLogin() {
	u.FailedLoginCount = 0
	u.LockedUntil = nil
}

// CASAttributes 登录成功后写入 TGT 的扩展属性
func (u *User) CASAttributes() Attributes {
	attrs := Attributes{"user_id": u.ID}
	if u.Email != "" {
		attrs["email"] = u.Email
	}
	if u.DisplayName != "" {
		attrs["display_name"] = u.DisplayName
	}
	if u.Phone != "" {
		attrs["phone"] = u.Phone
	}
	return attrs
}
