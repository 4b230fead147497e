package service

import (
	"errors"

	"github.com/pu-ac-cn/cas-server/internal/repository"
)

// 票据相关错误，均可通过 errors.Is 判断
// 其中只有 ErrStoreUnavailable 允许调用方重试
var (
	ErrTicketNotFound        = repository.ErrTicketNotFound
	ErrTicketAlreadyConsumed = repository.ErrTicketAlreadyConsumed
	ErrStoreUnavailable      = repository.ErrStoreUnavailable
	ErrTicketExpired         = errors.New("票据已过期")
	ErrServiceMismatch       = errors.New("服务地址与票据不匹配")
	ErrInvalidTicketKind     = errors.New("票据类型不正确")
	ErrInvalidRequest        = errors.New("请求参数无效")
	ErrInvalidService        = errors.New("服务地址无效")
	ErrServiceNotAllowed     = errors.New("服务未注册或未被授权")
	ErrProxyPrecondition     = errors.New("签发 PGT 前必须在同一请求中成功校验票据")
	ErrProxyCallbackFailed   = errors.New("代理回调地址校验失败")
)
