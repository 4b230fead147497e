package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pu-ac-cn/cas-server/internal/model"
)

// 生成随机服务地址
func genServiceURL() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("https", "http", "HTTPS"),
		gen.OneConstOf("svc.example", "App.Example.COM", "localhost:8080"),
		gen.OneConstOf("", "/", "/cb", "/a/b"),
		gen.SliceOfN(3, gen.AlphaLowerChar()),
	).Map(func(vals []interface{}) string {
		u := vals[0].(string) + "://" + vals[1].(string) + vals[2].(string)
		chars := vals[3].([]rune)
		q := url.Values{}
		for i, c := range chars {
			q.Add(string(c), string(rune('0'+i)))
		}
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		return u
	})
}

// Property: 服务地址匹配忽略 ticket 参数
// *For any* 服务地址 s 与任意票据标识，s 追加 ticket 参数后仍与 s 匹配
func TestProperty_ServiceMatchIgnoresTicket(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	m := NewServiceMatcher(nil)

	properties.Property("追加 ticket 后仍匹配", prop.ForAll(
		func(service, ticket string) bool {
			return m.Matches(service, AppendQuery(service, "ticket", "ST-"+ticket))
		},
		genServiceURL(),
		gen.AlphaString(),
	))

	properties.Property("规范化幂等", prop.ForAll(
		func(service string) bool {
			once, err := m.Normalize(service)
			if err != nil {
				return false
			}
			twice, err := m.Normalize(once)
			return err == nil && once == twice
		},
		genServiceURL(),
	))

	properties.TestingRun(t)
}

// Property: ST 只能成功校验一次
// *For any* 并发校验请求数，恰好一个请求成功，其余得到 ErrTicketAlreadyConsumed
func TestProperty_ServiceTicketSingleUse(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)
	svc, _, _ := setupTicketService(t, nil)
	ctx := context.Background()
	tgt, err := svc.IssueTGT(ctx, "alice", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("并发校验只有一个成功", prop.ForAll(
		func(workers int) bool {
			st, err := svc.IssueST(ctx, tgt.Ticket, "https://svc.example/", "", "")
			if err != nil {
				return false
			}

			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				ok     int
				replay int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.ValidateServiceTicket(ctx, st.Ticket, "https://svc.example/?ticket="+st.Ticket)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, ErrTicketAlreadyConsumed):
						replay++
					}
				}()
			}
			wg.Wait()
			return ok == 1 && replay == workers-1
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

// Property: 票据标识不重复且带类型前缀
func TestProperty_TicketIDPrefix(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	svc, _, _ := setupTicketService(t, nil)
	ctx := context.Background()
	seen := make(map[string]struct{})

	properties.Property("LT 标识唯一", prop.ForAll(
		func(host string) bool {
			lt, err := svc.IssueLoginTicket(ctx, host)
			if err != nil || lt.Kind != model.KindLoginTicket || len(lt.Ticket) <= 3 || lt.Ticket[:3] != "LT-" {
				return false
			}
			if _, dup := seen[lt.Ticket]; dup {
				return false
			}
			seen[lt.Ticket] = struct{}{}
			return true
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
