package model

import (
	"strings"
)

// RegisteredService 已注册的 CAS 服务
// 开启服务注册校验后，只有匹配到启用状态的注册服务才能获取 ST。
// URLPrefix 与规范化后的服务地址做前缀比较，Priority 越大越先匹配，
// AllowProxy 决定该服务能否申请 PGT。
type RegisteredService struct {
	BaseModel
	Name        string `gorm:"type:varchar(255);not null" json:"name"`
	URLPrefix   string `gorm:"type:varchar(1000);not null" json:"url_prefix"`
	AllowProxy  bool   `gorm:"default:false" json:"allow_proxy"`
	Status      string `gorm:"type:varchar(20);default:active" json:"status"`
	Description string `gorm:"type:text" json:"description"`
	Priority    int    `gorm:"default:0;index" json:"priority"`
}

// TableName 指定表名
func (RegisteredService) TableName() string {
	return "cas_registered_services"
}

// IsActive 检查服务是否启用
func (s *RegisteredService) IsActive() bool {
	return s.Status == StatusActive
}

// Matches 检查规范化后的服务地址是否落在该注册服务之下
// 前缀必须在路径、查询或片段边界处结束，防止 https://a.example 匹配 https://a.example.evil
func (s *RegisteredService) Matches(normalizedService string) bool {
	if s.URLPrefix == "" || !strings.HasPrefix(normalizedService, s.URLPrefix) {
		return false
	}
	rest := normalizedService[len(s.URLPrefix):]
	if rest == "" || strings.HasSuffix(s.URLPrefix, "/") {
		return true
	}
	switch rest[0] {
	case '/', '?', '#', '&':
		return true
	}
	return false
}
