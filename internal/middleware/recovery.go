package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/pkg/response"
	"go.uber.org/zap"
)

// Recovery 恢复中间件
// 捕获 panic，记录日志，返回友好错误
// 票据校验接口返回 CAS 协议格式的 INTERNAL_ERROR，其余接口返回 JSON
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				// 获取请求 ID
				requestID, _ := c.Get("request_id")

				// 记录错误日志
				logger.Error("服务器内部错误",
					zap.Any("request_id", requestID),
					zap.Any("error", r),
					zap.String("stack", string(debug.Stack())),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.String("ip", c.ClientIP()),
				)

				switch path := c.Request.URL.Path; {
				case strings.HasSuffix(path, "/validate"):
					response.CASv1(c, "", false)
					c.Abort()
				case strings.HasSuffix(path, "Validate"):
					response.CAS(c, c.Query("format"), response.AuthFailure(response.CASInternalError, "服务器内部错误"))
					c.Abort()
				case strings.HasSuffix(path, "/proxy"):
					response.CAS(c, c.Query("format"), response.ProxyDenied(response.CASInternalError, "服务器内部错误"))
					c.Abort()
				default:
					c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
						Code: response.CodeServerError,
						Msg:  "服务器内部错误，请稍后重试",
						Data: nil,
					})
				}
			}
		}()
		c.Next()
	}
}
