package storage

import (
	"errors"
	"time"

	"mailforge/backend/internal/domain"
)

// 存储层错误定义
var (
	// ErrDomainNotFound 域名不存在
	ErrDomainNotFound = errors.New("domain not found")
	// ErrDomainExists 域名已存在
	ErrDomainExists = errors.New("domain already exists")
	// ErrIdentityNotFound 域名身份不存在
	ErrIdentityNotFound = errors.New("domain identity not found")
	// ErrMailboxNotFound 邮箱不存在
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMailboxExists 邮箱已存在
	ErrMailboxExists = errors.New("mailbox already exists")
	// ErrAliasNotFound 别名不存在
	ErrAliasNotFound = errors.New("alias not found")
	// ErrAliasExists 别名已存在
	ErrAliasExists = errors.New("alias already exists")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
)

// MessageFilter 邮件查询条件。
type MessageFilter struct {
	MailboxID string // 按邮箱过滤，空表示不过滤
	ToAddress string // 按收件地址过滤（含未知收件人的入站邮件）
	Sent      *bool  // true 只看出站，false 只看入站，nil 不过滤
	Page      int    // 从 1 开始
	PageSize  int
}

// DomainRepository 定义托管域名数据存取操作。
type DomainRepository interface {
	// CreateDomainWithIdentity 原子创建域名与其邮件身份。
	// 域名已存在时返回 ErrDomainExists，不产生部分写入。
	CreateDomainWithIdentity(d *domain.HostedDomain, identity *domain.DomainIdentity) error
	GetDomainByName(name string) (*domain.HostedDomain, error)
	ListDomains() ([]domain.HostedDomain, error)
	// DeleteDomain 删除域名并级联删除其身份。
	DeleteDomain(name string) error
}

// IdentityRepository 定义域名邮件身份数据存取操作。
type IdentityRepository interface {
	GetIdentityByDomain(name string) (*domain.DomainIdentity, error)
	ListActiveIdentities() ([]domain.DomainIdentity, error)
	// UpdateIdentityVerification 部分更新验证状态，nil 字段保持原值。
	UpdateIdentityVerification(name string, upd domain.VerificationUpdate) (*domain.DomainIdentity, error)
	// ReplaceIdentityKeys 密钥轮换：写入新 selector 与新密钥材料。
	ReplaceIdentityKeys(name, selector, publicPEM, privatePEM, txtRecord string, rotatedAt time.Time) (*domain.DomainIdentity, error)
}

// MailboxRepository 定义邮箱账户数据存取操作。
type MailboxRepository interface {
	SaveMailbox(mb *domain.Mailbox) error
	GetMailbox(id string) (*domain.Mailbox, error)
	GetMailboxByAddress(address string) (*domain.Mailbox, error)
	ListMailboxesByDomain(domainName string) ([]domain.Mailbox, error)
	DeleteMailbox(id string) error
}

// AliasRepository 定义邮箱别名数据存取操作。
type AliasRepository interface {
	SaveAlias(alias *domain.MailboxAlias) error
	GetAliasByAddress(address string) (*domain.MailboxAlias, error)
	ListAliasesByDomain(domainName string) ([]domain.MailboxAlias, error)
	DeleteAlias(id string) error
}

// MessageRepository 定义邮件数据存取操作。
// 邮件创建后只允许 MarkMessageRead 一种修改。
type MessageRepository interface {
	SaveMessage(message *domain.Message) error
	GetMessage(id string) (*domain.Message, error)
	ListMessages(filter MessageFilter) ([]domain.Message, int, error)
	MarkMessageRead(id string) error
	DeleteMessage(id string) error
}

// Store 定义完整的存储接口。
type Store interface {
	DomainRepository
	IdentityRepository
	MailboxRepository
	AliasRepository
	MessageRepository

	Close() error
	Health() error
}
