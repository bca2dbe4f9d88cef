package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage"
)

var (
	// ErrMailboxExists 邮箱已存在
	ErrMailboxExists = errors.New("mailbox already exists")
	// ErrMailboxNotFound 邮箱不存在
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrAliasExists 别名已存在
	ErrAliasExists = errors.New("alias already exists")
)

// MailboxService 管理托管域名下的邮箱账户与别名。
type MailboxService struct {
	store storage.Store
}

// NewMailboxService 创建邮箱服务
func NewMailboxService(store storage.Store) *MailboxService {
	return &MailboxService{store: store}
}

// CreateMailboxInput 创建邮箱的输入
type CreateMailboxInput struct {
	LocalPart string
	Domain    string
	Password  string
}

// Create 在托管域名下创建邮箱账户。
// 地址 = localPart@domain，唯一性横跨全部托管域名。
// 域名必须已有邮件身份，重复地址在密码哈希之前拒绝。
func (s *MailboxService) Create(input CreateMailboxInput) (*domain.Mailbox, error) {
	local := strings.TrimSpace(strings.ToLower(input.LocalPart))
	dom := strings.TrimSpace(strings.ToLower(input.Domain))
	address := local + "@" + dom

	if err := domain.ValidateEmailAddress(address); err != nil {
		return nil, err
	}
	if err := domain.ValidatePassword(input.Password); err != nil {
		return nil, err
	}

	// 域名必须托管
	if _, err := s.store.GetIdentityByDomain(dom); err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			return nil, ErrDomainNotConfigured
		}
		return nil, err
	}

	// 重复检查先于 bcrypt，避免浪费一次哈希
	if _, err := s.store.GetMailboxByAddress(address); err == nil {
		return nil, ErrMailboxExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	mb := &domain.Mailbox{
		ID:           uuid.NewString(),
		Address:      address,
		LocalPart:    local,
		Domain:       dom,
		PasswordHash: string(hash),
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.SaveMailbox(mb); err != nil {
		if errors.Is(err, storage.ErrMailboxExists) {
			return nil, ErrMailboxExists
		}
		return nil, err
	}
	return mb, nil
}

// GetByAddress 根据地址获取邮箱
func (s *MailboxService) GetByAddress(address string) (*domain.Mailbox, error) {
	mb, err := s.store.GetMailboxByAddress(strings.ToLower(strings.TrimSpace(address)))
	if errors.Is(err, storage.ErrMailboxNotFound) {
		return nil, ErrMailboxNotFound
	}
	return mb, err
}

// ListByDomain 列出域名下的邮箱
func (s *MailboxService) ListByDomain(domainName string) ([]domain.Mailbox, error) {
	return s.store.ListMailboxesByDomain(strings.ToLower(domainName))
}

// Delete 删除邮箱
func (s *MailboxService) Delete(id string) error {
	err := s.store.DeleteMailbox(id)
	if errors.Is(err, storage.ErrMailboxNotFound) {
		return ErrMailboxNotFound
	}
	return err
}

// VerifyPassword 校验邮箱账户密码
func (s *MailboxService) VerifyPassword(address, password string) error {
	mb, err := s.GetByAddress(address)
	if err != nil {
		return err
	}
	return bcrypt.CompareHashAndPassword([]byte(mb.PasswordHash), []byte(password))
}

// CreateAlias 创建邮箱别名
func (s *MailboxService) CreateAlias(mailboxID, address string) (*domain.MailboxAlias, error) {
	address = strings.TrimSpace(strings.ToLower(address))
	if err := domain.ValidateEmailAddress(address); err != nil {
		return nil, err
	}

	alias := &domain.MailboxAlias{
		ID:        uuid.NewString(),
		MailboxID: mailboxID,
		Address:   address,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveAlias(alias); err != nil {
		if errors.Is(err, storage.ErrAliasExists) {
			return nil, ErrAliasExists
		}
		return nil, err
	}
	return alias, nil
}

// GetByID 按 ID 查询邮箱
func (s *MailboxService) GetByID(id string) (*domain.Mailbox, error) {
	return s.store.GetMailbox(id)
}

// ListAliasesByDomain 列出域名下的所有别名
func (s *MailboxService) ListAliasesByDomain(domainName string) ([]domain.MailboxAlias, error) {
	return s.store.ListAliasesByDomain(domainName)
}

// ResolveRecipient 把收件地址解析到本地邮箱（直接命中或经由激活的别名）。
// 未知收件人返回 ErrMailboxNotFound；入站管道据此决定挂接的邮箱ID，
// 但无论是否命中都会持久化邮件。
func (s *MailboxService) ResolveRecipient(address string) (*domain.Mailbox, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	if mb, err := s.GetByAddress(address); err == nil {
		return mb, nil
	}

	alias, err := s.store.GetAliasByAddress(address)
	if err == nil && alias.IsActive {
		if mb, err := s.store.GetMailbox(alias.MailboxID); err == nil {
			return mb, nil
		}
	}
	return nil, ErrMailboxNotFound
}
