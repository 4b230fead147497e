package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 创建测试用的票据存储
func setupTestTicketRepo(t *testing.T) repository.TicketRepository {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return repository.NewRedisTicketRepository(client, "test:")
}

// 记录回调内容的代理回调
type recordingCallback struct {
	mu        sync.Mutex
	delivered map[string]string
	err       error
}

func (c *recordingCallback) Deliver(ctx context.Context, callbackURL, pgtID, pgtIOU string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.delivered == nil {
		c.delivered = make(map[string]string)
	}
	c.delivered[pgtIOU] = pgtID
	return nil
}

// 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTicketService(t *testing.T, mutate func(cfg *TicketServiceConfig)) (TicketService, repository.TicketRepository, *recordingCallback) {
	repo := setupTestTicketRepo(t)
	cb := &recordingCallback{}
	cfg := &TicketServiceConfig{ProxyCallback: cb}
	if mutate != nil {
		mutate(cfg)
	}
	return NewTicketService(repo, cfg, nil), repo, cb
}

func issueSession(t *testing.T, svc TicketService) *model.Ticket {
	tgt, err := svc.IssueTGT(context.Background(), "alice", "10.0.0.1", model.Attributes{"email": "alice@example.com"})
	require.NoError(t, err)
	return tgt
}

func TestTicketService_ServiceTicketRoundTrip(t *testing.T) {
	svc, _, _ := setupTicketService(t, nil)
	ctx := context.Background()
	tgt := issueSession(t, svc)

	st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/cb?x=1", "", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.Ticket, "ST-"))
	assert.Equal(t, "alice", st.Username)

	v, err := svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/cb?x=1&ticket="+st.Ticket)
	require.NoError(t, err)
	assert.Equal(t, "alice", v.Username)
	assert.Equal(t, "alice@example.com", v.Attributes["email"])
	assert.Empty(t, v.Proxies)

	_, err = svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/cb?x=1")
	assert.ErrorIs(t, err, ErrTicketAlreadyConsumed)
}

func TestTicketService_ValidateErrors(t *testing.T) {
	clock := &testClock{now: time.Now()}
	svc, repo, _ := setupTicketService(t, func(cfg *TicketServiceConfig) {
		cfg.Now = clock.Now
	})
	ctx := context.Background()
	tgt := issueSession(t, svc)

	t.Run("参数缺失", func(t *testing.T) {
		_, err := svc.ValidateServiceTicket(ctx, "", "https://svc.example/")
		assert.ErrorIs(t, err, ErrInvalidRequest)
		_, err = svc.ValidateServiceTicket(ctx, "ST-x", "")
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("票据不存在", func(t *testing.T) {
		_, err := svc.ValidateServiceTicket(ctx, "ST-missing", "https://svc.example/")
		assert.ErrorIs(t, err, ErrTicketNotFound)
	})

	t.Run("服务不匹配", func(t *testing.T) {
		st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/cb", "", "")
		require.NoError(t, err)
		_, err = svc.ValidateServiceTicket(ctx, st.Ticket, "https://other.example/cb")
		assert.ErrorIs(t, err, ErrServiceMismatch)

		// 服务不匹配不消费票据
		_, err = svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/cb")
		assert.NoError(t, err)
	})

	t.Run("类型不正确", func(t *testing.T) {
		_, err := svc.ValidateServiceTicket(ctx, tgt.Ticket, "https://svc.example/")
		assert.ErrorIs(t, err, ErrInvalidTicketKind)
	})

	t.Run("过期", func(t *testing.T) {
		st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/cb", "", "")
		require.NoError(t, err)
		clock.Advance(5*time.Minute + time.Second)
		defer clock.Advance(-(5*time.Minute + time.Second))

		_, err = svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/cb")
		assert.ErrorIs(t, err, ErrTicketExpired)
	})

	t.Run("TGT 已注销", func(t *testing.T) {
		st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/cb", "", "")
		require.NoError(t, err)
		deleted, err := svc.DestroyTGT(ctx, tgt.Ticket)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, deleted, int64(2))

		_, err = svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/cb")
		assert.ErrorIs(t, err, ErrTicketNotFound)
		_, err = repo.Get(ctx, st.Ticket)
		assert.ErrorIs(t, err, ErrTicketNotFound)
	})
}

func TestTicketService_IssueSTRequiresLiveTGT(t *testing.T) {
	clock := &testClock{now: time.Now()}
	svc, _, _ := setupTicketService(t, func(cfg *TicketServiceConfig) {
		cfg.Now = clock.Now
	})
	ctx := context.Background()

	_, err := svc.IssueST(ctx, "TGT-missing", "https://svc.example/", "", "")
	assert.ErrorIs(t, err, ErrTicketNotFound)

	tgt := issueSession(t, svc)
	_, err = svc.IssueST(ctx, tgt.Ticket, "not a url", "", "")
	assert.ErrorIs(t, err, ErrInvalidService)

	clock.Advance(8*time.Hour + time.Second)
	_, err = svc.IssueST(ctx, tgt.Ticket, "https://svc.example/", "", "")
	assert.ErrorIs(t, err, ErrTicketExpired)
	_, err = svc.GetTGT(ctx, tgt.Ticket)
	assert.ErrorIs(t, err, ErrTicketExpired)
}

func TestTicketService_LoginTicket(t *testing.T) {
	svc, _, _ := setupTicketService(t, nil)
	ctx := context.Background()

	lt, err := svc.IssueLoginTicket(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(lt.Ticket, "LT-"))

	require.NoError(t, svc.ConsumeLoginTicket(ctx, lt.Ticket))
	assert.ErrorIs(t, svc.ConsumeLoginTicket(ctx, lt.Ticket), ErrTicketAlreadyConsumed)
	assert.ErrorIs(t, svc.ConsumeLoginTicket(ctx, ""), ErrInvalidRequest)
}

func TestTicketService_ConcurrentValidation(t *testing.T) {
	svc, _, _ := setupTicketService(t, nil)
	ctx := context.Background()
	tgt := issueSession(t, svc)
	st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/", "", "")
	require.NoError(t, err)

	const workers = 16
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, replay int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTicketAlreadyConsumed):
			replay++
		default:
			t.Errorf("意外错误: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, replay)
}

func TestTicketService_RenewableMode(t *testing.T) {
	svc, _, _ := setupTicketService(t, func(cfg *TicketServiceConfig) {
		cfg.ValidationMode = ValidationRenewable
	})
	ctx := context.Background()
	tgt := issueSession(t, svc)
	st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/", "", "")
	require.NoError(t, err)

	first, err := svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/")
	require.NoError(t, err)
	second, err := svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/")
	require.NoError(t, err)
	assert.Equal(t, first.Username, second.Username)

	// 重复校验的结果不能换取 PGT
	_, err = svc.IssuePGT(ctx, second, "https://proxy.example/cb")
	assert.ErrorIs(t, err, ErrProxyPrecondition)
}

func TestTicketService_ProxyFlow(t *testing.T) {
	svc, repo, cb := setupTicketService(t, nil)
	ctx := context.Background()
	tgt := issueSession(t, svc)

	st, err := svc.IssueST(ctx, tgt.Ticket, "https://portal.example/", "", "")
	require.NoError(t, err)

	v, pgt, err := svc.ValidateServiceTicketWithProxy(ctx, st.Ticket, "https://portal.example/", "https://portal.example/pgtCallback", false)
	require.NoError(t, err)
	require.NotNil(t, pgt)
	assert.True(t, strings.HasPrefix(pgt.Ticket, "PGT-"))
	assert.True(t, strings.HasPrefix(pgt.IOU, "PGTIOU-"))
	assert.Equal(t, "portal.example", pgt.ClientHostname)
	assert.Equal(t, pgt.Ticket, cb.delivered[pgt.IOU])
	assert.Equal(t, "alice", v.Username)

	// 同一次校验不能再签发第二个 PGT
	_, err = svc.IssuePGT(ctx, v, "https://portal.example/pgtCallback")
	assert.ErrorIs(t, err, ErrProxyPrecondition)

	pt, err := svc.IssuePT(ctx, pgt.Ticket, "https://backend.example/api", "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pt.Ticket, "PT-"))

	_, err = svc.ValidateServiceTicket(ctx, pt.Ticket, "https://backend.example/api")
	assert.ErrorIs(t, err, ErrInvalidTicketKind, "serviceValidate 不接受 PT")

	pv, err := svc.ValidateProxyTicket(ctx, pt.Ticket, "https://backend.example/api")
	require.NoError(t, err)
	assert.Equal(t, "alice", pv.Username)
	assert.Equal(t, []string{"https://portal.example/pgtCallback"}, pv.Proxies)

	// 后端继续代理，代理链按由近及远排列
	pt2, err := svc.IssuePT(ctx, pgt.Ticket, "https://backend.example/api", "")
	require.NoError(t, err)
	pv2, pgt2, err := svc.ValidateServiceTicketWithProxy(ctx, pt2.Ticket, "https://backend.example/api", "https://backend.example/pgtCallback", true)
	require.NoError(t, err)
	require.NotNil(t, pgt2)
	assert.Equal(t, pgt.Ticket, pgt2.PGTID)
	pt3, err := svc.IssuePT(ctx, pgt2.Ticket, "https://db.example/", "")
	require.NoError(t, err)
	pv3, err := svc.ValidateProxyTicket(ctx, pt3.Ticket, "https://db.example/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://backend.example/pgtCallback", "https://portal.example/pgtCallback"}, pv3.Proxies)
	assert.Equal(t, []string{"https://portal.example/pgtCallback"}, pv2.Proxies)

	// 注销后整条链失效
	_, err = svc.DestroyTGT(ctx, tgt.Ticket)
	require.NoError(t, err)
	for _, id := range []string{st.Ticket, pgt.Ticket, pt.Ticket, pgt2.Ticket, pt3.Ticket} {
		_, err := repo.Get(ctx, id)
		assert.ErrorIs(t, err, ErrTicketNotFound, id)
	}
}

func TestTicketService_IssuePGTPrecondition(t *testing.T) {
	svc, repo, _ := setupTicketService(t, nil)
	ctx := context.Background()

	_, err := svc.IssuePGT(ctx, nil, "https://proxy.example/cb")
	assert.ErrorIs(t, err, ErrProxyPrecondition)

	// 伪造的校验结果不能签发 PGT
	forged := &Validation{Ticket: "ST-forged", Username: "mallory"}
	forged.proxyable.Store(true)
	_, err = svc.IssuePGT(ctx, forged, "https://proxy.example/cb")
	assert.ErrorIs(t, err, ErrProxyPrecondition)

	// 票据未被消费时不能签发 PGT
	tgt := issueSession(t, svc)
	st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/", "", "")
	require.NoError(t, err)
	unconsumed := &Validation{Ticket: st.Ticket, Username: "alice", tgtID: tgt.Ticket}
	unconsumed.proxyable.Store(true)
	_, err = svc.IssuePGT(ctx, unconsumed, "https://proxy.example/cb")
	assert.ErrorIs(t, err, ErrProxyPrecondition)

	children, err := repo.FindChildren(ctx, st.Ticket)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestTicketService_ProxyRequiresLiveTGT(t *testing.T) {
	clock := &testClock{now: time.Now()}
	svc, repo, cb := setupTicketService(t, func(cfg *TicketServiceConfig) {
		cfg.Now = clock.Now
		cfg.TicketGrantingTicketTTL = time.Hour
		cfg.ProxyGrantingTicketTTL = 8 * time.Hour
	})
	ctx := context.Background()

	t.Run("TGT 过期后 PGT 不能再签发 PT", func(t *testing.T) {
		tgt := issueSession(t, svc)
		clock.Advance(50 * time.Minute)
		st, err := svc.IssueST(ctx, tgt.Ticket, "https://portal.example/", "", "")
		require.NoError(t, err)
		_, pgt, err := svc.ValidateServiceTicketWithProxy(ctx, st.Ticket, "https://portal.example/", "https://portal.example/pgtCallback", false)
		require.NoError(t, err)
		require.NotNil(t, pgt)

		_, err = svc.IssuePT(ctx, pgt.Ticket, "https://backend.example/api", "")
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		_, err = svc.GetTGT(ctx, tgt.Ticket)
		require.ErrorIs(t, err, ErrTicketExpired)

		pt, err := svc.IssuePT(ctx, pgt.Ticket, "https://backend.example/api", "")
		assert.ErrorIs(t, err, ErrTicketExpired)
		assert.Nil(t, pt)
	})

	t.Run("TGT 过期后校验成功也不签发 PGT", func(t *testing.T) {
		tgt := issueSession(t, svc)
		clock.Advance(58 * time.Minute)
		st, err := svc.IssueST(ctx, tgt.Ticket, "https://portal.example/", "", "")
		require.NoError(t, err)
		clock.Advance(3 * time.Minute)

		delivered := len(cb.delivered)
		v, pgt, err := svc.ValidateServiceTicketWithProxy(ctx, st.Ticket, "https://portal.example/", "https://portal.example/pgtCallback", false)
		require.NoError(t, err)
		assert.Equal(t, "alice", v.Username)
		assert.Nil(t, pgt)
		assert.Len(t, cb.delivered, delivered)

		children, err := repo.FindChildren(ctx, st.Ticket)
		require.NoError(t, err)
		assert.Empty(t, children)
	})
}

func TestTicketService_ProxyCallbackFailure(t *testing.T) {
	svc, repo, cb := setupTicketService(t, nil)
	cb.err = ErrProxyCallbackFailed
	ctx := context.Background()
	tgt := issueSession(t, svc)
	st, err := svc.IssueST(ctx, tgt.Ticket, "https://portal.example/", "", "")
	require.NoError(t, err)

	v, pgt, err := svc.ValidateServiceTicketWithProxy(ctx, st.Ticket, "https://portal.example/", "https://portal.example/cb", false)
	require.NoError(t, err, "回调失败不影响票据校验")
	assert.Nil(t, pgt)
	assert.Equal(t, "alice", v.Username)

	children, err := repo.FindChildren(ctx, tgt.Ticket)
	require.NoError(t, err)
	for _, c := range children {
		assert.NotEqual(t, model.KindProxyGrantingTicket, c.Kind, "回调失败的 PGT 应被删除")
	}
}

func TestTicketService_DestroyTGTCascade(t *testing.T) {
	svc, repo, _ := setupTicketService(t, nil)
	ctx := context.Background()
	tgt := issueSession(t, svc)

	const n, m = 3, 2
	var ids []string
	for i := 0; i < n; i++ {
		st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/", "", "")
		require.NoError(t, err)
		ids = append(ids, st.Ticket)
		v, err := svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/")
		require.NoError(t, err)
		pgt, err := svc.IssuePGT(ctx, v, "https://svc.example/pgt")
		require.NoError(t, err)
		ids = append(ids, pgt.Ticket)
		for j := 0; j < m; j++ {
			pt, err := svc.IssuePT(ctx, pgt.Ticket, "https://backend.example/", "")
			require.NoError(t, err)
			ids = append(ids, pt.Ticket)
		}
	}

	deleted, err := svc.DestroyTGT(ctx, tgt.Ticket)
	require.NoError(t, err)
	// 1 TGT + n ST + n PGT + n*m PT
	assert.Equal(t, int64(1+n+n+n*m), deleted)
	for _, id := range ids {
		_, err := repo.Get(ctx, id)
		assert.ErrorIs(t, err, ErrTicketNotFound, id)
	}

	_, err = svc.DestroyTGT(ctx, tgt.Ticket)
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestTicketService_Sweep(t *testing.T) {
	clock := &testClock{now: time.Now().Add(-time.Hour)}
	svc, repo, _ := setupTicketService(t, func(cfg *TicketServiceConfig) {
		cfg.Now = clock.Now
	})
	ctx := context.Background()

	// 一小时前签发的 TGT 仍在有效期内，其下的 3 张 ST 已过期
	tgt := issueSession(t, svc)
	var expired []string
	for i := 0; i < 3; i++ {
		st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/", "", "")
		require.NoError(t, err)
		expired = append(expired, st.Ticket)
	}

	count, err := svc.SweepExpired(ctx, model.KindServiceTicket)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	for _, id := range expired {
		_, err := repo.Get(ctx, id)
		assert.ErrorIs(t, err, ErrTicketNotFound)
	}

	counts, err := svc.SweepExpiredAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[model.KindTicketGrantingTicket])
	_, err = repo.Get(ctx, tgt.Ticket)
	assert.NoError(t, err)

	_, err = svc.SweepExpired(ctx, model.TicketKind("XX"))
	assert.ErrorIs(t, err, ErrInvalidTicketKind)
}

func TestTicketService_RegisteredServices(t *testing.T) {
	services := newMockServiceRepository()
	matcher := NewServiceMatcher(nil)
	registry := NewServiceRegistry(services, matcher)
	ctx := context.Background()
	require.NoError(t, registry.Register(ctx, &model.RegisteredService{Name: "portal", URLPrefix: "HTTPS://Portal.Example/"}))
	require.NoError(t, registry.Register(ctx, &model.RegisteredService{Name: "api", URLPrefix: "https://api.example", AllowProxy: true}))

	svc, _, _ := setupTicketService(t, func(cfg *TicketServiceConfig) {
		cfg.RequireRegisteredService = true
		cfg.Registry = registry
	})
	tgt := issueSession(t, svc)

	_, err := svc.IssueST(ctx, tgt.Ticket, "https://portal.example/home", "", "")
	assert.NoError(t, err)
	_, err = svc.IssueST(ctx, tgt.Ticket, "https://evil.example/", "", "")
	assert.ErrorIs(t, err, ErrServiceNotAllowed)

	st, err := svc.IssueST(ctx, tgt.Ticket, "https://portal.example/", "", "")
	require.NoError(t, err)
	v, err := svc.ValidateServiceTicket(ctx, st.Ticket, "https://portal.example/")
	require.NoError(t, err)
	_, err = svc.IssuePGT(ctx, v, "https://portal.example/cb")
	assert.ErrorIs(t, err, ErrServiceNotAllowed, "portal 不允许申请 PGT")

	st, err = svc.IssueST(ctx, tgt.Ticket, "https://api.example/v1", "", "")
	require.NoError(t, err)
	v, err = svc.ValidateServiceTicket(ctx, st.Ticket, "https://api.example/v1")
	require.NoError(t, err)
	pgt, err := svc.IssuePGT(ctx, v, "https://api.example/cb")
	require.NoError(t, err)

	_, err = svc.IssuePT(ctx, pgt.Ticket, "https://portal.example/", "")
	assert.NoError(t, err)
	_, err = svc.IssuePT(ctx, pgt.Ticket, "https://evil.example/", "")
	assert.ErrorIs(t, err, ErrServiceNotAllowed)
}

func TestProxyCallback_Deliver(t *testing.T) {
	var got struct {
		sync.Mutex
		iou, id string
	}
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Lock()
		defer got.Unlock()
		got.iou = r.URL.Query().Get("pgtIou")
		got.id = r.URL.Query().Get("pgtId")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cb := NewProxyCallback(&ProxyCallbackConfig{RequireHTTPS: true, Client: server.Client()})
	ctx := context.Background()

	require.NoError(t, cb.Deliver(ctx, server.URL+"/cb?app=1", "PGT-1", "PGTIOU-1"))
	got.Lock()
	assert.Equal(t, "PGTIOU-1", got.iou)
	assert.Equal(t, "PGT-1", got.id)
	got.Unlock()

	err := cb.Deliver(ctx, "http://proxy.example/cb", "PGT-1", "PGTIOU-1")
	assert.ErrorIs(t, err, ErrProxyCallbackFailed)
	err = cb.Deliver(ctx, "::", "PGT-1", "PGTIOU-1")
	assert.ErrorIs(t, err, ErrProxyCallbackFailed)
}

func TestProxyCallback_Non2xx(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example/", http.StatusFound)
	}))
	defer server.Close()

	client := server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	cb := NewProxyCallback(&ProxyCallbackConfig{RequireHTTPS: true, Client: client})
	err := cb.Deliver(context.Background(), server.URL, "PGT-1", "PGTIOU-1")
	assert.ErrorIs(t, err, ErrProxyCallbackFailed)
}

func TestTicketSweeper_Run(t *testing.T) {
	svc, _, _ := setupTicketService(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewTicketSweeper(svc, time.Millisecond, nil).Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("清理任务未随 context 退出")
	}
}
