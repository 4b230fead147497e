package model

import (
	"time"
)

// TicketKind 票据类型
type TicketKind string

// 票据类型常量，同时作为票据标识的前缀
const (
	KindLoginTicket          TicketKind = "LT"
	KindServiceTicket        TicketKind = "ST"
	KindProxyTicket          TicketKind = "PT"
	KindTicketGrantingTicket TicketKind = "TGT"
	KindProxyGrantingTicket  TicketKind = "PGT"
)

// PGTIOUPrefix PGT IOU 的前缀
const PGTIOUPrefix = "PGTIOU"

// TicketKinds 所有票据类型，过期清理按此顺序执行
var TicketKinds = []TicketKind{
	KindLoginTicket,
	KindServiceTicket,
	KindProxyTicket,
	KindProxyGrantingTicket,
	KindTicketGrantingTicket,
}

// Valid 检查票据类型是否合法
func (k TicketKind) Valid() bool {
	switch k {
	case KindLoginTicket, KindServiceTicket, KindProxyTicket, KindTicketGrantingTicket, KindProxyGrantingTicket:
		return true
	}
	return false
}

// Consumable 该类型票据是否一次性使用
// TGT 与 PGT 在有效期内可反复出示，不经过消费
func (k TicketKind) Consumable() bool {
	switch k {
	case KindLoginTicket, KindServiceTicket, KindProxyTicket:
		return true
	}
	return false
}

// Attributes 随 TGT 下发给服务的用户属性
type Attributes map[string]interface{}

// Ticket CAS 票据
// 所有票据共用一张表，Kind 区分类型，类型相关字段为空即不适用：
//   - ST / PT: Service, Username, TGTID；PT 额外有 PGTID
//   - TGT: Username, ExtraAttributes
//   - PGT: Service（代理回调地址）, Username, IOU, STID, TGTID；
//     由 PT 校验得到的 PGT 还有 PGTID，指向签发该 PT 的上一级 PGT
//
// 级联删除只沿 TGTID 与 PGTID 进行。STID 只记录来源，ST 过期清理不会带走
// 由它换得的 PGT；PGT 通过 TGTID 随会话一起销毁。
type Ticket struct {
	Ticket          string     `gorm:"column:ticket;type:varchar(255);primaryKey" json:"ticket"`
	Kind            TicketKind `gorm:"column:kind;type:varchar(8);not null;index:idx_cas_tickets_kind_created,priority:1" json:"kind"`
	CreatedAt       time.Time  `gorm:"column:created_on;not null;index:idx_cas_tickets_kind_created,priority:2" json:"created_on"`
	ConsumedAt      *time.Time `gorm:"column:consumed" json:"consumed,omitempty"`
	ClientHostname  string     `gorm:"column:client_hostname;type:varchar(255);not null" json:"client_hostname"`
	Service         string     `gorm:"column:service;type:text" json:"service,omitempty"`
	Username        string     `gorm:"column:username;type:varchar(255)" json:"username,omitempty"`
	ExtraAttributes Attributes `gorm:"column:extra_attributes;type:text;serializer:json" json:"extra_attributes,omitempty"`
	IOU             string     `gorm:"column:iou;type:varchar(255);index" json:"iou,omitempty"`
	TGTID           string     `gorm:"column:tgt_id;type:varchar(255);index" json:"tgt_id,omitempty"`
	STID            string     `gorm:"column:st_id;type:varchar(255);index" json:"st_id,omitempty"`
	PGTID           string     `gorm:"column:pgt_id;type:varchar(255);index" json:"pgt_id,omitempty"`
}

// TableName 表名
func (Ticket) TableName() string {
	return "cas_tickets"
}

func (t *Ticket) String() string {
	return t.Ticket
}

// Consumable 可消费票据的能力接口，由消费引擎原子地完成消费
type Consumable interface {
	TicketID() string
	Consumable() bool
}

// TicketID 返回票据标识
func (t *Ticket) TicketID() string {
	return t.Ticket
}

// Consumable 票据是否一次性使用
func (t *Ticket) Consumable() bool {
	return t.Kind.Consumable()
}

// IsConsumed 票据是否已被消费
func (t *Ticket) IsConsumed() bool {
	return t.ConsumedAt != nil
}

// IsExpired 检查票据在 now 时刻是否已超过 ttl
func (t *Ticket) IsExpired(ttl time.Duration, now time.Time) bool {
	return now.Sub(t.CreatedAt) > ttl
}

// ParentIDs 返回票据引用的全部上级票据，签发时必须都存在
func (t *Ticket) ParentIDs() []string {
	var ids []string
	for _, id := range []string{t.TGTID, t.STID, t.PGTID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// OwnerIDs 返回拥有该票据的上级票据，任一上级被删除时该票据随之删除
func (t *Ticket) OwnerIDs() []string {
	var ids []string
	for _, id := range []string{t.TGTID, t.PGTID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// OwnedBy 票据是否归 parentID 所有
func (t *Ticket) OwnedBy(parentID string) bool {
	return parentID != "" && (t.TGTID == parentID || t.PGTID == parentID)
}
