package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/pkg/ticketid"
	"go.uber.org/zap"
)

// ValidationMode ST/PT 校验策略
type ValidationMode string

const (
	// ValidationSingleUse 票据只能成功校验一次
	ValidationSingleUse ValidationMode = "single_use"
	// ValidationRenewable 已消费的票据在有效期内仍可再次校验，但不能再换取 PGT
	ValidationRenewable ValidationMode = "renewable"
)

// TicketService 票据生命周期管理
type TicketService interface {
	// IssueLoginTicket 为登录表单签发 LT
	IssueLoginTicket(ctx context.Context, clientHostname string) (*model.Ticket, error)
	// ConsumeLoginTicket 提交登录表单时消费 LT
	ConsumeLoginTicket(ctx context.Context, id string) error

	// IssueTGT 认证成功后签发 TGT
	IssueTGT(ctx context.Context, username, clientHostname string, attrs model.Attributes) (*model.Ticket, error)
	// GetTGT 获取仍在有效期内的 TGT
	GetTGT(ctx context.Context, id string) (*model.Ticket, error)
	// DestroyTGT 注销，级联删除该会话下的全部票据
	DestroyTGT(ctx context.Context, id string) (int64, error)

	// IssueST 基于 TGT 为服务签发 ST
	IssueST(ctx context.Context, tgtID, service, username, clientHostname string) (*model.Ticket, error)
	// ValidateServiceTicket 校验 ST，不接受 PT
	ValidateServiceTicket(ctx context.Context, id, service string) (*Validation, error)
	// ValidateProxyTicket 校验 ST 或 PT，PT 的代理链记录在 Validation.Proxies
	ValidateProxyTicket(ctx context.Context, id, service string) (*Validation, error)
	// ValidateServiceTicketWithProxy 校验票据，pgtURL 非空时同时签发 PGT
	// PGT 签发失败不影响校验结果，此时返回的 PGT 为 nil
	ValidateServiceTicketWithProxy(ctx context.Context, id, service, pgtURL string, allowProxy bool) (*Validation, *model.Ticket, error)

	// IssuePGT 基于本次成功的校验签发 PGT 并回调 callbackURL
	IssuePGT(ctx context.Context, v *Validation, callbackURL string) (*model.Ticket, error)
	// IssuePT 基于 PGT 为目标服务签发 PT
	IssuePT(ctx context.Context, pgtID, targetService, clientHostname string) (*model.Ticket, error)

	// SweepExpired 清理某一类型的过期票据
	SweepExpired(ctx context.Context, kind model.TicketKind) (int64, error)
	// SweepExpiredAll 依次清理所有类型的过期票据
	SweepExpiredAll(ctx context.Context) (map[model.TicketKind]int64, error)
}

// TicketServiceConfig 票据服务配置
type TicketServiceConfig struct {
	LoginTicketTTL          time.Duration // 默认 5 分钟
	ServiceTicketTTL        time.Duration // 默认 5 分钟
	ProxyTicketTTL          time.Duration // 默认 5 分钟
	TicketGrantingTicketTTL time.Duration // 默认 8 小时
	ProxyGrantingTicketTTL  time.Duration // 默认 8 小时

	ValidationMode ValidationMode
	StrippedParams []string

	// RequireRegisteredService 为 true 时只给已注册的服务签发票据
	RequireRegisteredService bool
	Registry                 ServiceRegistry
	ProxyCallback            ProxyCallback

	Now func() time.Time
}

// TTL 返回某类票据的有效期
func (c *TicketServiceConfig) TTL(kind model.TicketKind) time.Duration {
	switch kind {
	case model.KindLoginTicket:
		return c.LoginTicketTTL
	case model.KindServiceTicket:
		return c.ServiceTicketTTL
	case model.KindProxyTicket:
		return c.ProxyTicketTTL
	case model.KindTicketGrantingTicket:
		return c.TicketGrantingTicketTTL
	case model.KindProxyGrantingTicket:
		return c.ProxyGrantingTicketTTL
	}
	return 0
}

// Validation 一次成功的票据校验结果
// 只能用于签发一次 PGT，且必须是本次校验消费了票据
type Validation struct {
	Ticket     string
	Kind       model.TicketKind
	Username   string
	Attributes model.Attributes
	Service    string
	// Proxies PT 经过的代理回调地址，离本次校验最近的在前
	Proxies []string

	tgtID     string
	pgtID     string
	proxyable atomic.Bool
}

type ticketService struct {
	repo        repository.TicketRepository
	consumption ConsumptionEngine
	matcher     *ServiceMatcher
	config      *TicketServiceConfig
	logger      *zap.Logger
}

// NewTicketService 创建票据服务，logger 为空时不输出日志
func NewTicketService(repo repository.TicketRepository, config *TicketServiceConfig, logger *zap.Logger) TicketService {
	if config == nil {
		config = &TicketServiceConfig{}
	}
	if config.LoginTicketTTL == 0 {
		config.LoginTicketTTL = 5 * time.Minute
	}
	if config.ServiceTicketTTL == 0 {
		config.ServiceTicketTTL = 5 * time.Minute
	}
	if config.ProxyTicketTTL == 0 {
		config.ProxyTicketTTL = 5 * time.Minute
	}
	if config.TicketGrantingTicketTTL == 0 {
		config.TicketGrantingTicketTTL = 8 * time.Hour
	}
	if config.ProxyGrantingTicketTTL == 0 {
		config.ProxyGrantingTicketTTL = 8 * time.Hour
	}
	if config.ValidationMode == "" {
		config.ValidationMode = ValidationSingleUse
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ProxyCallback == nil {
		config.ProxyCallback = NewProxyCallback(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ticketService{
		repo:        repo,
		consumption: NewConsumptionEngine(repo, config.Now),
		matcher:     NewServiceMatcher(config.StrippedParams),
		config:      config,
		logger:      logger,
	}
}

// newTicket 生成带随机标识的票据
func (s *ticketService) newTicket(kind model.TicketKind, clientHostname string) (*model.Ticket, error) {
	id, err := ticketid.Generate(string(kind))
	if err != nil {
		return nil, fmt.Errorf("生成票据标识失败: %w", err)
	}
	return &model.Ticket{
		Ticket:         id,
		Kind:           kind,
		CreatedAt:      s.config.Now(),
		ClientHostname: clientHostname,
	}, nil
}

// lookup 获取指定类型且仍在有效期内的票据
func (s *ticketService) lookup(ctx context.Context, id string, kind model.TicketKind) (*model.Ticket, error) {
	if id == "" {
		return nil, ErrInvalidRequest
	}
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Kind != kind {
		return nil, ErrInvalidTicketKind
	}
	if t.IsExpired(s.config.TTL(kind), s.config.Now()) {
		return nil, ErrTicketExpired
	}
	return t, nil
}

// authorizeService 规范化服务地址，开启服务注册校验时要求已注册
func (s *ticketService) authorizeService(ctx context.Context, service string) (string, *model.RegisteredService, error) {
	normalized, err := s.matcher.Normalize(service)
	if err != nil {
		return "", nil, err
	}
	if !s.config.RequireRegisteredService || s.config.Registry == nil {
		return normalized, nil, nil
	}
	svc, err := s.config.Registry.Lookup(ctx, normalized)
	if err != nil {
		return "", nil, err
	}
	return normalized, svc, nil
}

func (s *ticketService) IssueLoginTicket(ctx context.Context, clientHostname string) (*model.Ticket, error) {
	lt, err := s.newTicket(model.KindLoginTicket, clientHostname)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Put(ctx, lt); err != nil {
		return nil, err
	}
	return lt, nil
}

func (s *ticketService) ConsumeLoginTicket(ctx context.Context, id string) error {
	lt, err := s.lookup(ctx, id, model.KindLoginTicket)
	if err != nil {
		return err
	}
	return s.consumption.Consume(ctx, lt)
}

func (s *ticketService) IssueTGT(ctx context.Context, username, clientHostname string, attrs model.Attributes) (*model.Ticket, error) {
	if username == "" {
		return nil, ErrInvalidRequest
	}
	tgt, err := s.newTicket(model.KindTicketGrantingTicket, clientHostname)
	if err != nil {
		return nil, err
	}
	tgt.Username = username
	tgt.ExtraAttributes = attrs
	if err := s.repo.Put(ctx, tgt); err != nil {
		return nil, err
	}
	s.logger.Info("签发 TGT",
		zap.String("username", username),
		zap.String("client", clientHostname),
	)
	return tgt, nil
}

func (s *ticketService) GetTGT(ctx context.Context, id string) (*model.Ticket, error) {
	return s.lookup(ctx, id, model.KindTicketGrantingTicket)
}

func (s *ticketService) DestroyTGT(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, ErrInvalidRequest
	}
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if t.Kind != model.KindTicketGrantingTicket {
		return 0, ErrInvalidTicketKind
	}
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return 0, err
	}
	s.logger.Info("注销 TGT",
		zap.String("username", t.Username),
		zap.Int64("deleted", deleted),
	)
	return deleted, nil
}

func (s *ticketService) IssueST(ctx context.Context, tgtID, service, username, clientHostname string) (*model.Ticket, error) {
	tgt, err := s.lookup(ctx, tgtID, model.KindTicketGrantingTicket)
	if err != nil {
		return nil, err
	}
	normalized, _, err := s.authorizeService(ctx, service)
	if err != nil {
		return nil, err
	}
	if username == "" {
		username = tgt.Username
	}

	st, err := s.newTicket(model.KindServiceTicket, clientHostname)
	if err != nil {
		return nil, err
	}
	st.Service = normalized
	st.Username = username
	st.TGTID = tgt.Ticket
	if err := s.repo.Put(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Debug("签发 ST",
		zap.String("username", username),
		zap.String("service", normalized),
	)
	return st, nil
}

func (s *ticketService) ValidateServiceTicket(ctx context.Context, id, service string) (*Validation, error) {
	return s.validate(ctx, id, service, false)
}

func (s *ticketService) ValidateProxyTicket(ctx context.Context, id, service string) (*Validation, error) {
	return s.validate(ctx, id, service, true)
}

// validate 依次检查：请求参数、票据存在、类型、服务地址、有效期、所属 TGT，最后消费
func (s *ticketService) validate(ctx context.Context, id, service string, allowProxy bool) (*Validation, error) {
	if id == "" || service == "" {
		return nil, ErrInvalidRequest
	}
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Kind == model.KindServiceTicket:
	case t.Kind == model.KindProxyTicket && allowProxy:
	default:
		return nil, ErrInvalidTicketKind
	}
	if !s.matcher.Matches(t.Service, service) {
		return nil, ErrServiceMismatch
	}
	if t.IsExpired(s.config.TTL(t.Kind), s.config.Now()) {
		return nil, ErrTicketExpired
	}

	tgt, err := s.repo.Get(ctx, t.TGTID)
	if err != nil {
		return nil, err
	}

	var proxies []string
	if t.Kind == model.KindProxyTicket {
		if proxies, err = s.proxyChain(ctx, t); err != nil {
			return nil, err
		}
	}

	fresh := true
	if err := s.consumption.Consume(ctx, t); err != nil {
		if !errors.Is(err, ErrTicketAlreadyConsumed) || s.config.ValidationMode != ValidationRenewable {
			return nil, err
		}
		fresh = false
	}

	v := &Validation{
		Ticket:     t.Ticket,
		Kind:       t.Kind,
		Username:   t.Username,
		Attributes: tgt.ExtraAttributes,
		Service:    t.Service,
		Proxies:    proxies,
		tgtID:      tgt.Ticket,
		pgtID:      t.PGTID,
	}
	v.proxyable.Store(fresh)
	return v, nil
}

// proxyChain 沿 PT -> PGT -> 上一级 PGT 收集代理回调地址
func (s *ticketService) proxyChain(ctx context.Context, pt *model.Ticket) ([]string, error) {
	var chain []string
	seen := make(map[string]struct{})
	for id := pt.PGTID; id != ""; {
		if _, ok := seen[id]; ok {
			break
		}
		seen[id] = struct{}{}
		pgt, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, pgt.Service)
		id = pgt.PGTID
	}
	return chain, nil
}

func (s *ticketService) ValidateServiceTicketWithProxy(ctx context.Context, id, service, pgtURL string, allowProxy bool) (*Validation, *model.Ticket, error) {
	v, err := s.validate(ctx, id, service, allowProxy)
	if err != nil {
		return nil, nil, err
	}
	if pgtURL == "" {
		return v, nil, nil
	}
	pgt, err := s.IssuePGT(ctx, v, pgtURL)
	if err != nil {
		s.logger.Warn("签发 PGT 失败",
			zap.String("username", v.Username),
			zap.String("callback", pgtURL),
			zap.Error(err),
		)
		return v, nil, nil
	}
	return v, pgt, nil
}

// IssuePGT 签发 PGT
// 先保存 PGT 再回调，回调失败时删除 PGT，保证回调方收到的标识一定可用
func (s *ticketService) IssuePGT(ctx context.Context, v *Validation, callbackURL string) (*model.Ticket, error) {
	if v == nil || !v.proxyable.CompareAndSwap(true, false) {
		return nil, ErrProxyPrecondition
	}
	source, err := s.repo.Get(ctx, v.Ticket)
	if errors.Is(err, ErrTicketNotFound) {
		return nil, ErrProxyPrecondition
	}
	if err != nil {
		return nil, err
	}
	if !source.IsConsumed() {
		return nil, ErrProxyPrecondition
	}
	// 会话过期后不再签发新的 PGT
	if _, err := s.lookup(ctx, v.tgtID, model.KindTicketGrantingTicket); err != nil {
		return nil, err
	}
	if _, registered, err := s.authorizeService(ctx, v.Service); err != nil {
		return nil, err
	} else if registered != nil && !registered.AllowProxy {
		return nil, fmt.Errorf("%w: %s 不允许申请代理票据", ErrServiceNotAllowed, registered.Name)
	}

	callback, err := url.Parse(callbackURL)
	if err != nil || callback.Host == "" {
		return nil, fmt.Errorf("%w: 回调地址无效", ErrProxyCallbackFailed)
	}

	pgt, err := s.newTicket(model.KindProxyGrantingTicket, callback.Hostname())
	if err != nil {
		return nil, err
	}
	iou, err := ticketid.Generate(model.PGTIOUPrefix)
	if err != nil {
		return nil, fmt.Errorf("生成 PGT IOU 失败: %w", err)
	}
	pgt.IOU = iou
	pgt.Service = callbackURL
	pgt.Username = v.Username
	pgt.STID = source.Ticket
	pgt.TGTID = v.tgtID
	pgt.PGTID = v.pgtID
	if err := s.repo.Put(ctx, pgt); err != nil {
		return nil, err
	}

	if err := s.config.ProxyCallback.Deliver(ctx, callbackURL, pgt.Ticket, pgt.IOU); err != nil {
		if _, derr := s.repo.Delete(ctx, pgt.Ticket); derr != nil && !errors.Is(derr, ErrTicketNotFound) {
			s.logger.Error("回调失败后删除 PGT 失败", zap.Error(derr))
		}
		return nil, err
	}
	s.logger.Info("签发 PGT",
		zap.String("username", pgt.Username),
		zap.String("callback", callbackURL),
	)
	return pgt, nil
}

func (s *ticketService) IssuePT(ctx context.Context, pgtID, targetService, clientHostname string) (*model.Ticket, error) {
	if pgtID == "" || targetService == "" {
		return nil, ErrInvalidRequest
	}
	pgt, err := s.lookup(ctx, pgtID, model.KindProxyGrantingTicket)
	if err != nil {
		return nil, err
	}
	if _, err := s.lookup(ctx, pgt.TGTID, model.KindTicketGrantingTicket); err != nil {
		return nil, err
	}
	normalized, _, err := s.authorizeService(ctx, targetService)
	if err != nil {
		return nil, err
	}

	pt, err := s.newTicket(model.KindProxyTicket, clientHostname)
	if err != nil {
		return nil, err
	}
	pt.Service = normalized
	pt.Username = pgt.Username
	pt.TGTID = pgt.TGTID
	pt.PGTID = pgt.Ticket
	if err := s.repo.Put(ctx, pt); err != nil {
		return nil, err
	}
	s.logger.Debug("签发 PT",
		zap.String("username", pt.Username),
		zap.String("service", normalized),
	)
	return pt, nil
}

func (s *ticketService) SweepExpired(ctx context.Context, kind model.TicketKind) (int64, error) {
	if !kind.Valid() {
		return 0, ErrInvalidTicketKind
	}
	count, err := s.repo.SweepExpired(ctx, kind, s.config.TTL(kind))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("清理过期票据",
			zap.String("kind", string(kind)),
			zap.Int64("count", count),
		)
	}
	return count, nil
}

// SweepExpiredAll 某一类型清理失败不影响其他类型
func (s *ticketService) SweepExpiredAll(ctx context.Context) (map[model.TicketKind]int64, error) {
	counts := make(map[model.TicketKind]int64, len(model.TicketKinds))
	var errs []error
	for _, kind := range model.TicketKinds {
		n, err := s.SweepExpired(ctx, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("清理 %s 失败: %w", kind, err))
			continue
		}
		counts[kind] = n
	}
	return counts, errors.Join(errs...)
}
