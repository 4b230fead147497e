// Package handler HTTP 处理器
package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/middleware"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/pu-ac-cn/cas-server/pkg/response"
	"go.uber.org/zap"
)

// CASHandlerConfig CAS 处理器配置
type CASHandlerConfig struct {
	CookieName   string        // TGT Cookie 名称，默认 CASTGC
	CookiePath   string        // 默认 /cas
	CookieDomain string        // 为空时只对当前主机有效
	CookieSecure bool          // 只通过 https 发送
	CookieMaxAge time.Duration // 为 0 时为会话 Cookie
}

// CASHandler CAS 协议处理器
type CASHandler struct {
	tickets service.TicketService
	auth    service.AuthService
	config  *CASHandlerConfig
	logger  *zap.Logger
}

// NewCASHandler 创建 CAS 协议处理器
func NewCASHandler(tickets service.TicketService, auth service.AuthService, config *CASHandlerConfig, logger *zap.Logger) *CASHandler {
	if config == nil {
		config = &CASHandlerConfig{CookieSecure: true}
	}
	if config.CookieName == "" {
		config.CookieName = "CASTGC"
	}
	if config.CookiePath == "" {
		config.CookiePath = "/cas"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CASHandler{
		tickets: tickets,
		auth:    auth,
		config:  config,
		logger:  logger,
	}
}

// RegisterRoutes 注册 CAS 路由
func (h *CASHandler) RegisterRoutes(r gin.IRouter) {
	sso := middleware.TicketGrantingCookie(h.tickets, h.config.CookieName)

	cas := r.Group("/cas")
	{
		cas.GET("/login", sso, h.LoginForm)
		cas.POST("/login", sso, h.Login)
		cas.GET("/logout", sso, h.Logout)

		cas.GET("/validate", h.Validate)
		cas.GET("/serviceValidate", h.ServiceValidate)
		cas.GET("/proxyValidate", h.ProxyValidate)
		cas.GET("/proxy", h.Proxy)

		// CAS 3.0 路径，行为相同
		cas.GET("/p3/serviceValidate", h.ServiceValidate)
		cas.GET("/p3/proxyValidate", h.ProxyValidate)
	}
}

// LoginRequest 登录请求，支持表单与 JSON
type LoginRequest struct {
	Username    string `form:"username" json:"username"` // 用户名或邮箱
	Password    string `form:"password" json:"password"`
	LoginTicket string `form:"lt" json:"lt"`
	Service     string `form:"service" json:"service"`
}

// LoginFormResponse 登录表单所需数据
type LoginFormResponse struct {
	LoginTicket string `json:"lt"`
	Service     string `json:"service,omitempty"`
	Renew       bool   `json:"renew,omitempty"`
}

// LoginForm 登录入口
// GET /cas/login?service=...&renew=...&gateway=...
func (h *CASHandler) LoginForm(c *gin.Context) {
	svc := c.Query("service")
	renew := flag(c, "renew")

	if tgt := middleware.CurrentTGT(c); tgt != nil && !renew {
		if svc == "" {
			response.Success(c, gin.H{
				"username":  tgt.Username,
				"logged_in": true,
			})
			return
		}
		h.redirectWithTicket(c, tgt, svc)
		return
	}

	if flag(c, "gateway") && svc != "" {
		// 未登录时直接回到服务，不带票据
		if target, ok := redirectTarget(svc); ok {
			c.Redirect(http.StatusSeeOther, target)
			return
		}
		response.Error(c, response.CodeInvalidService)
		return
	}

	lt, err := h.tickets.IssueLoginTicket(c.Request.Context(), c.ClientIP())
	if err != nil {
		h.serverError(c, "签发 LT 失败", err)
		return
	}
	response.Success(c, LoginFormResponse{
		LoginTicket: lt.Ticket,
		Service:     svc,
		Renew:       renew,
	})
}

// Login 提交凭据
// POST /cas/login
func (h *CASHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}
	if req.Service == "" {
		req.Service = c.Query("service")
	}
	if req.Username == "" || req.Password == "" || req.LoginTicket == "" {
		response.Error(c, response.CodeMissingParam)
		return
	}

	ctx := c.Request.Context()

	// 每张 LT 只能提交一次，防止表单重放
	if err := h.tickets.ConsumeLoginTicket(ctx, req.LoginTicket); err != nil {
		if errors.Is(err, service.ErrStoreUnavailable) {
			h.serverError(c, "消费 LT 失败", err)
			return
		}
		response.Error(c, response.CodeInvalidLoginTicket)
		return
	}

	var user *model.User
	var err error
	if strings.Contains(req.Username, "@") {
		user, err = h.auth.AuthenticateByEmail(ctx, req.Username, req.Password)
	} else {
		user, err = h.auth.Authenticate(ctx, req.Username, req.Password)
	}
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			response.Error(c, response.CodeInvalidCredentials)
		case errors.Is(err, service.ErrAccountLocked):
			response.Error(c, response.CodeAccountLocked)
		case errors.Is(err, service.ErrAccountDisabled):
			response.Error(c, response.CodeAccountDisabled)
		default:
			h.serverError(c, "认证失败", err)
		}
		return
	}

	tgt, err := h.tickets.IssueTGT(ctx, user.Username, c.ClientIP(), user.CASAttributes())
	if err != nil {
		h.serverError(c, "签发 TGT 失败", err)
		return
	}
	h.setTGTCookie(c, tgt.Ticket)

	if req.Service != "" {
		h.redirectWithTicket(c, tgt, req.Service)
		return
	}
	response.Success(c, gin.H{
		"username":  user.Username,
		"logged_in": true,
	})
}

// Logout 注销单点登录会话
// GET /cas/logout?service=...
func (h *CASHandler) Logout(c *gin.Context) {
	if tgt := middleware.CurrentTGT(c); tgt != nil {
		if _, err := h.tickets.DestroyTGT(c.Request.Context(), tgt.Ticket); err != nil && !errors.Is(err, service.ErrTicketNotFound) {
			h.serverError(c, "注销 TGT 失败", err)
			return
		}
	}
	h.clearTGTCookie(c)

	back := c.Query("service")
	if back == "" {
		back = c.Query("url")
	}
	if target, ok := redirectTarget(back); ok {
		c.Redirect(http.StatusSeeOther, target)
		return
	}
	response.SuccessWithMsg(c, "已退出登录", nil)
}

// Validate CAS 1.0 校验
// GET /cas/validate?ticket=...&service=...
func (h *CASHandler) Validate(c *gin.Context) {
	v, err := h.tickets.ValidateServiceTicket(c.Request.Context(), c.Query("ticket"), c.Query("service"))
	if err != nil {
		h.logValidationFailure(c, err)
		response.CASv1(c, "", false)
		return
	}
	response.CASv1(c, v.Username, true)
}

// ServiceValidate CAS 2.0 校验，只接受 ST
// GET /cas/serviceValidate?ticket=...&service=...&pgtUrl=...&format=...
func (h *CASHandler) ServiceValidate(c *gin.Context) {
	h.serviceValidate(c, false)
}

// ProxyValidate CAS 2.0 校验，接受 ST 与 PT
// GET /cas/proxyValidate?ticket=...&service=...&pgtUrl=...&format=...
func (h *CASHandler) ProxyValidate(c *gin.Context) {
	h.serviceValidate(c, true)
}

func (h *CASHandler) serviceValidate(c *gin.Context, allowProxy bool) {
	format := c.Query("format")
	ticket := c.Query("ticket")

	v, pgt, err := h.tickets.ValidateServiceTicketWithProxy(c.Request.Context(),
		ticket, c.Query("service"), c.Query("pgtUrl"), allowProxy)
	if err != nil {
		h.logValidationFailure(c, err)
		code, desc := validationFailure(err, ticket)
		response.CAS(c, format, response.AuthFailure(code, desc))
		return
	}

	success := &response.AuthenticationSuccess{
		User:       v.Username,
		Attributes: response.Attributes(v.Attributes),
		Proxies:    v.Proxies,
	}
	if pgt != nil {
		success.ProxyGrantingTicket = pgt.IOU
	}
	response.CAS(c, format, response.AuthSuccess(success))
}

// Proxy 基于 PGT 签发 PT
// GET /cas/proxy?pgt=...&targetService=...
func (h *CASHandler) Proxy(c *gin.Context) {
	format := c.Query("format")
	pgt := c.Query("pgt")

	pt, err := h.tickets.IssuePT(c.Request.Context(), pgt, c.Query("targetService"), c.ClientIP())
	if err != nil {
		h.logValidationFailure(c, err)
		code, desc := proxyFailure(err, pgt)
		response.CAS(c, format, response.ProxyDenied(code, desc))
		return
	}
	response.CAS(c, format, response.ProxyGranted(pt.Ticket))
}

// redirectWithTicket 为服务签发 ST 并重定向回服务
func (h *CASHandler) redirectWithTicket(c *gin.Context, tgt *model.Ticket, svc string) {
	st, err := h.tickets.IssueST(c.Request.Context(), tgt.Ticket, svc, "", c.ClientIP())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidService):
			response.Error(c, response.CodeInvalidService)
		case errors.Is(err, service.ErrServiceNotAllowed):
			response.Error(c, response.CodeServiceNotAllowed)
		case errors.Is(err, service.ErrTicketNotFound), errors.Is(err, service.ErrTicketExpired):
			h.clearTGTCookie(c)
			response.Error(c, response.CodeNotLoggedIn)
		default:
			h.serverError(c, "签发 ST 失败", err)
		}
		return
	}
	c.Redirect(http.StatusSeeOther, service.AppendQuery(svc, "ticket", st.Ticket))
}

func (h *CASHandler) setTGTCookie(c *gin.Context, id string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.config.CookieName, id, int(h.config.CookieMaxAge/time.Second),
		h.config.CookiePath, h.config.CookieDomain, h.config.CookieSecure, true)
}

func (h *CASHandler) clearTGTCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.config.CookieName, "", -1,
		h.config.CookiePath, h.config.CookieDomain, h.config.CookieSecure, true)
}

// serverError 存储不可用返回 503，其余返回 500
func (h *CASHandler) serverError(c *gin.Context, msg string, err error) {
	requestID, _ := c.Get("request_id")
	h.logger.Error(msg, zap.Any("request_id", requestID), zap.Error(err))
	if errors.Is(err, service.ErrStoreUnavailable) {
		response.Error(c, response.CodeUnavailable)
		return
	}
	response.Error(c, response.CodeServerError)
}

func (h *CASHandler) logValidationFailure(c *gin.Context, err error) {
	requestID, _ := c.Get("request_id")
	fields := []zap.Field{
		zap.Any("request_id", requestID),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	}
	if errors.Is(err, service.ErrStoreUnavailable) {
		h.logger.Error("票据校验失败", fields...)
		return
	}
	h.logger.Info("票据校验失败", fields...)
}

// validationFailure 把校验错误映射为 CAS 错误码
func validationFailure(err error, ticket string) (string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return response.CASInvalidRequest, "必须同时提供 ticket 与 service 参数"
	case errors.Is(err, service.ErrInvalidTicketKind):
		return response.CASInvalidTicketSpec, "票据 " + ticket + " 不能在此接口校验"
	case errors.Is(err, service.ErrServiceMismatch), errors.Is(err, service.ErrInvalidService):
		return response.CASInvalidService, "服务地址与票据 " + ticket + " 不匹配"
	case errors.Is(err, service.ErrTicketNotFound):
		return response.CASInvalidTicket, "票据 " + ticket + " 不存在"
	case errors.Is(err, service.ErrTicketAlreadyConsumed):
		return response.CASInvalidTicket, "票据 " + ticket + " 已被使用"
	case errors.Is(err, service.ErrTicketExpired):
		return response.CASInvalidTicket, "票据 " + ticket + " 已过期"
	default:
		return response.CASInternalError, "服务器内部错误"
	}
}

// proxyFailure 把 PT 签发错误映射为 CAS 错误码
func proxyFailure(err error, pgt string) (string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return response.CASInvalidRequest, "必须同时提供 pgt 与 targetService 参数"
	case errors.Is(err, service.ErrInvalidTicketKind):
		return response.CASInvalidTicketSpec, "票据 " + pgt + " 不是代理授权票据"
	case errors.Is(err, service.ErrServiceNotAllowed):
		return response.CASUnauthorizedServiceProxy, "目标服务未被授权接受代理票据"
	case errors.Is(err, service.ErrInvalidService):
		return response.CASInvalidService, "目标服务地址无效"
	case errors.Is(err, service.ErrTicketNotFound):
		return response.CASInvalidTicket, "票据 " + pgt + " 不存在"
	case errors.Is(err, service.ErrTicketExpired):
		return response.CASInvalidTicket, "票据 " + pgt + " 或其所属会话已过期"
	default:
		return response.CASInternalError, "服务器内部错误"
	}
}

// flag 参数存在且不为 false/0 时为真
func flag(c *gin.Context, name string) bool {
	v, ok := c.GetQuery(name)
	if !ok {
		return false
	}
	switch strings.ToLower(v) {
	case "false", "0":
		return false
	}
	return true
}

// redirectTarget 只允许重定向到 http/https 绝对地址
func redirectTarget(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return u.String(), true
}
