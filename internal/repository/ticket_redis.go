package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/redis/go-redis/v9"
)

// Redis key 布局
//
//	<prefix>ticket:<id>     票据哈希
//	<prefix>children:<id>   引用该票据的下级票据集合
//	<prefix>kind:<kind>     按创建时间（毫秒）排序的票据集合，供过期清理使用
const (
	ticketKeyPrefix   = "ticket:"
	childrenKeyPrefix = "children:"
	kindKeyPrefix     = "kind:"
)

// maxTxRetries WATCH 事务冲突时的最大重试次数
const maxTxRetries = 8

// consumeScript 票据存在且未消费时写入 consumed
// 返回 -1 表示票据不存在，0 表示已消费，1 表示本次消费成功
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HSETNX', KEYS[1], 'consumed', ARGV[1])
`)

// redisTicketRepository 基于 Redis 的票据存储
type redisTicketRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisTicketRepository 创建基于 Redis 的票据存储，prefix 为空时使用 "cas:"
func NewRedisTicketRepository(client *redis.Client, prefix string) TicketRepository {
	if prefix == "" {
		prefix = "cas:"
	}
	return &redisTicketRepository{client: client, prefix: prefix}
}

func (r *redisTicketRepository) ticketKey(id string) string {
	return r.prefix + ticketKeyPrefix + id
}

func (r *redisTicketRepository) childrenKey(id string) string {
	return r.prefix + childrenKeyPrefix + id
}

func (r *redisTicketRepository) kindKey(kind model.TicketKind) string {
	return r.prefix + kindKeyPrefix + string(kind)
}

// watch 执行乐观事务，WATCH 的 key 被并发修改时重试
func (r *redisTicketRepository) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

// Put 保存票据，并登记到上级票据的下级集合中
func (r *redisTicketRepository) Put(ctx context.Context, ticket *model.Ticket) error {
	fields, err := encodeTicket(ticket)
	if err != nil {
		return err
	}

	parents := ticket.ParentIDs()
	keys := []string{r.ticketKey(ticket.Ticket)}
	for _, p := range parents {
		keys = append(keys, r.ticketKey(p))
	}

	err = r.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keys[0]).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrTicketExists
		}
		if len(parents) > 0 {
			n, err := tx.Exists(ctx, keys[1:]...).Result()
			if err != nil {
				return err
			}
			if n != int64(len(parents)) {
				return ErrTicketNotFound
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.ticketKey(ticket.Ticket), fields)
			pipe.ZAdd(ctx, r.kindKey(ticket.Kind), redis.Z{
				Score:  float64(ticket.CreatedAt.UnixMilli()),
				Member: ticket.Ticket,
			})
			for _, p := range parents {
				pipe.SAdd(ctx, r.childrenKey(p), ticket.Ticket)
			}
			return nil
		})
		return err
	}, keys...)
	return redisError(err)
}

// Get 根据标识获取票据
func (r *redisTicketRepository) Get(ctx context.Context, id string) (*model.Ticket, error) {
	fields, err := r.client.HGetAll(ctx, r.ticketKey(id)).Result()
	if err != nil {
		return nil, redisError(err)
	}
	if len(fields) == 0 {
		return nil, ErrTicketNotFound
	}
	return decodeTicket(id, fields)
}

// Delete 级联删除票据
func (r *redisTicketRepository) Delete(ctx context.Context, id string) (int64, error) {
	var deleted int64
	err := r.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, r.ticketKey(id)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrTicketNotFound
		}
		deleted, err = r.destroyOwned(ctx, tx, []string{id}, "")
		return err
	}, r.ticketKey(id), r.childrenKey(id))
	if err != nil {
		return 0, redisError(err)
	}
	return deleted, nil
}

// FindChildren 查询引用 parentID 的票据
func (r *redisTicketRepository) FindChildren(ctx context.Context, parentID string) ([]*model.Ticket, error) {
	ids, err := r.client.SMembers(ctx, r.childrenKey(parentID)).Result()
	if err != nil {
		return nil, redisError(err)
	}

	tickets := make([]*model.Ticket, 0, len(ids))
	for _, id := range ids {
		t, err := r.Get(ctx, id)
		if errors.Is(err, ErrTicketNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	sortByCreated(tickets)
	return tickets, nil
}

// Consume 通过 Lua 脚本原子地消费票据
func (r *redisTicketRepository) Consume(ctx context.Context, id string, at time.Time) error {
	res, err := consumeScript.Run(ctx, r.client, []string{r.ticketKey(id)}, at.UnixNano()).Int()
	if err != nil {
		return redisError(err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrTicketAlreadyConsumed
	default:
		return ErrTicketNotFound
	}
}

// SweepExpired 清理过期票据，读取与删除处于同一个 WATCH/MULTI 事务
// 只 WATCH 过期票据本身，不 WATCH 类型索引，避免新签发的票据不断打断清理
func (r *redisTicketRepository) SweepExpired(ctx context.Context, kind model.TicketKind, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	kindKey := r.kindKey(kind)

	var count int64
	err := r.watch(ctx, func(tx *redis.Tx) error {
		expired, err := tx.ZRangeByScore(ctx, kindKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return err
		}
		count = 0
		if len(expired) == 0 {
			return nil
		}

		// 先 WATCH 再计数，计数与删除针对同一批票据
		// 索引中可能残留已删除的票据，只统计仍然存在的
		keys := make([]string, len(expired))
		for i, id := range expired {
			keys[i] = r.ticketKey(id)
		}
		if err := tx.Watch(ctx, keys...).Err(); err != nil {
			return err
		}
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		count = n
		_, err = r.destroyOwned(ctx, tx, expired, kindKey)
		return err
	})
	if err != nil {
		return 0, redisError(err)
	}
	return count, nil
}

// ownedTicket 待删除票据及其引用的上级
type ownedTicket struct {
	id      string
	kind    model.TicketKind
	parents []string
	exists  bool
}

// destroyOwned 在 WATCH 下收集整条所有权链，然后在 MULTI 中一次性删除
// 下级集合里只记录来源的票据（ST 换得的 PGT）不随之删除
// index 非空时同时从该类型索引中移除全部根票据
func (r *redisTicketRepository) destroyOwned(ctx context.Context, tx *redis.Tx, roots []string, index string) (int64, error) {
	type pending struct {
		id  string
		via string
	}
	seen := make(map[string]struct{})
	var owned []ownedTicket
	queue := make([]pending, 0, len(roots))
	for _, id := range roots {
		queue = append(queue, pending{id: id})
	}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next.id]; ok {
			continue
		}

		if err := tx.Watch(ctx, r.ticketKey(next.id), r.childrenKey(next.id)).Err(); err != nil {
			return 0, err
		}
		vals, err := tx.HMGet(ctx, r.ticketKey(next.id), "kind", "tgt_id", "st_id", "pgt_id").Result()
		if err != nil {
			return 0, err
		}
		t := model.Ticket{Ticket: next.id}
		kind, exists := vals[0].(string)
		t.Kind = model.TicketKind(kind)
		t.TGTID, _ = vals[1].(string)
		t.STID, _ = vals[2].(string)
		t.PGTID, _ = vals[3].(string)
		if next.via != "" && (!exists || !t.OwnedBy(next.via)) {
			continue
		}
		seen[next.id] = struct{}{}
		owned = append(owned, ownedTicket{
			id:      next.id,
			kind:    t.Kind,
			parents: t.ParentIDs(),
			exists:  exists,
		})

		children, err := tx.SMembers(ctx, r.childrenKey(next.id)).Result()
		if err != nil {
			return 0, err
		}
		for _, c := range children {
			queue = append(queue, pending{id: c, via: next.id})
		}
	}

	var deleted int64
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, o := range owned {
			pipe.Del(ctx, r.ticketKey(o.id), r.childrenKey(o.id))
			if o.kind != "" {
				pipe.ZRem(ctx, r.kindKey(o.kind), o.id)
			}
			for _, p := range o.parents {
				if _, gone := seen[p]; !gone {
					pipe.SRem(ctx, r.childrenKey(p), o.id)
				}
			}
			if o.exists {
				deleted++
			}
		}
		if index != "" {
			members := make([]interface{}, len(roots))
			for i, id := range roots {
				members[i] = id
			}
			pipe.ZRem(ctx, index, members...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// encodeTicket 把票据编码为 Redis 哈希字段，时间统一存 UnixNano
func encodeTicket(t *model.Ticket) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"kind":            string(t.Kind),
		"created_on":      strconv.FormatInt(t.CreatedAt.UnixNano(), 10),
		"client_hostname": t.ClientHostname,
	}
	if t.ConsumedAt != nil {
		fields["consumed"] = strconv.FormatInt(t.ConsumedAt.UnixNano(), 10)
	}
	optional := map[string]string{
		"service":  t.Service,
		"username": t.Username,
		"iou":      t.IOU,
		"tgt_id":   t.TGTID,
		"st_id":    t.STID,
		"pgt_id":   t.PGTID,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	if len(t.ExtraAttributes) > 0 {
		data, err := json.Marshal(t.ExtraAttributes)
		if err != nil {
			return nil, fmt.Errorf("序列化扩展属性失败: %w", err)
		}
		fields["extra_attributes"] = string(data)
	}
	return fields, nil
}

// decodeTicket 从 Redis 哈希字段还原票据
func decodeTicket(id string, fields map[string]string) (*model.Ticket, error) {
	t := &model.Ticket{
		Ticket:         id,
		Kind:           model.TicketKind(fields["kind"]),
		ClientHostname: fields["client_hostname"],
		Service:        fields["service"],
		Username:       fields["username"],
		IOU:            fields["iou"],
		TGTID:          fields["tgt_id"],
		STID:           fields["st_id"],
		PGTID:          fields["pgt_id"],
	}

	created, err := strconv.ParseInt(fields["created_on"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("解析票据创建时间失败: %w", err)
	}
	t.CreatedAt = time.Unix(0, created)

	if v, ok := fields["consumed"]; ok {
		consumed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("解析票据消费时间失败: %w", err)
		}
		at := time.Unix(0, consumed)
		t.ConsumedAt = &at
	}

	if v, ok := fields["extra_attributes"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &t.ExtraAttributes); err != nil {
			return nil, fmt.Errorf("反序列化扩展属性失败: %w", err)
		}
	}
	return t, nil
}

// sortByCreated 按创建时间升序排列
func sortByCreated(tickets []*model.Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
	})
}

// redisError 把 Redis 错误归类为票据存储错误
func redisError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrTicketNotFound
	case errors.Is(err, ErrTicketNotFound),
		errors.Is(err, ErrTicketAlreadyConsumed),
		errors.Is(err, ErrTicketExists),
		errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
