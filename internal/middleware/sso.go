package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"go.uber.org/zap"
)

// 上下文键
const (
	ContextKeyTGT      = "tgt"
	ContextKeyUsername = "username"
)

// TicketGrantingCookie 可选的单点登录中间件
// Cookie 中的 TGT 有效时将其存入上下文，否则按未登录继续处理
func TicketGrantingCookie(tickets service.TicketService, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(cookieName)
		if err != nil || id == "" {
			c.Next()
			return
		}

		tgt, err := tickets.GetTGT(c.Request.Context(), id)
		switch {
		case err == nil:
			c.Set(ContextKeyTGT, tgt)
			c.Set(ContextKeyUsername, tgt.Username)
		case errors.Is(err, service.ErrTicketNotFound),
			errors.Is(err, service.ErrTicketExpired),
			errors.Is(err, service.ErrInvalidTicketKind):
		default:
			requestID, _ := c.Get("request_id")
			logger.Warn("读取 TGT 失败",
				zap.Any("request_id", requestID),
				zap.Error(err),
			)
		}
		c.Next()
	}
}

// CurrentTGT 获取当前请求的 TGT，未登录时返回 nil
func CurrentTGT(c *gin.Context) *model.Ticket {
	v, ok := c.Get(ContextKeyTGT)
	if !ok {
		return nil
	}
	tgt, _ := v.(*model.Ticket)
	return tgt
}
