package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage"
)

// Store 使用内存保存域名、邮箱与邮件数据，主要用于开发与测试。
// 与 SQL 实现遵守同一套接口语义：插入原子、唯一约束、级联删除。
type Store struct {
	mu         sync.RWMutex
	domains    map[string]*domain.HostedDomain   // name -> domain
	identities map[string]*domain.DomainIdentity // domainName -> identity
	mailboxes  map[string]*domain.Mailbox        // id -> mailbox
	byAddress  map[string]string                 // address -> mailboxID
	aliases    map[string]*domain.MailboxAlias   // id -> alias
	byAlias    map[string]string                 // address -> aliasID
	messages   map[string]*domain.Message        // id -> message
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		domains:    make(map[string]*domain.HostedDomain),
		identities: make(map[string]*domain.DomainIdentity),
		mailboxes:  make(map[string]*domain.Mailbox),
		byAddress:  make(map[string]string),
		aliases:    make(map[string]*domain.MailboxAlias),
		byAlias:    make(map[string]string),
		messages:   make(map[string]*domain.Message),
	}
}

// Close 实现 storage.Store
func (s *Store) Close() error { return nil }

// Health 实现 storage.Store
func (s *Store) Health() error { return nil }

// ========== Domain / Identity Repository ==========

// CreateDomainWithIdentity 原子创建域名与身份
func (s *Store) CreateDomainWithIdentity(d *domain.HostedDomain, identity *domain.DomainIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.domains[d.Name]; ok {
		return storage.ErrDomainExists
	}

	dc := *d
	ic := *identity
	s.domains[d.Name] = &dc
	s.identities[d.Name] = &ic
	return nil
}

// GetDomainByName 根据域名获取托管域名（含身份）
func (s *Store) GetDomainByName(name string) (*domain.HostedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.domains[name]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	dc := *d
	if id, ok := s.identities[name]; ok {
		ic := *id
		dc.Identity = &ic
	}
	return &dc, nil
}

// ListDomains 列出全部托管域名
func (s *Store) ListDomains() ([]domain.HostedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.HostedDomain, 0, len(s.domains))
	for name, d := range s.domains {
		dc := *d
		if id, ok := s.identities[name]; ok {
			ic := *id
			dc.Identity = &ic
		}
		out = append(out, dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteDomain 删除域名并级联删除身份
func (s *Store) DeleteDomain(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.domains[name]; !ok {
		return storage.ErrDomainNotFound
	}
	delete(s.domains, name)
	delete(s.identities, name)
	return nil
}

// GetIdentityByDomain 根据域名获取身份
func (s *Store) GetIdentityByDomain(name string) (*domain.DomainIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.identities[name]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	ic := *id
	return &ic, nil
}

// ListActiveIdentities 列出已激活域名的身份
func (s *Store) ListActiveIdentities() ([]domain.DomainIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DomainIdentity
	for _, id := range s.identities {
		if id.Active {
			out = append(out, *id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DomainName < out[j].DomainName })
	return out, nil
}

// UpdateIdentityVerification 部分更新验证状态
func (s *Store) UpdateIdentityVerification(name string, upd domain.VerificationUpdate) (*domain.DomainIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identities[name]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	if upd.DKIMVerified != nil {
		id.DKIMVerified = *upd.DKIMVerified
	}
	if upd.SPFVerified != nil {
		id.SPFVerified = *upd.SPFVerified
	}
	if upd.MXVerified != nil {
		id.MXVerified = *upd.MXVerified
	}
	if upd.Active != nil {
		id.Active = *upd.Active
	}
	id.UpdatedAt = time.Now().UTC()
	ic := *id
	return &ic, nil
}

// ReplaceIdentityKeys 密钥轮换
func (s *Store) ReplaceIdentityKeys(name, selector, publicPEM, privatePEM, txtRecord string, rotatedAt time.Time) (*domain.DomainIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identities[name]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	id.DKIMSelector = selector
	id.DKIMPublicKey = publicPEM
	id.DKIMPrivateKey = privatePEM
	id.DKIMTxtRecord = txtRecord
	id.DKIMVerified = false
	id.RotatedAt = &rotatedAt
	id.UpdatedAt = time.Now().UTC()
	ic := *id
	return &ic, nil
}

// ========== Mailbox Repository ==========

// SaveMailbox 创建邮箱账户
func (s *Store) SaveMailbox(mb *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAddress[mb.Address]; ok {
		return storage.ErrMailboxExists
	}
	mc := *mb
	s.mailboxes[mb.ID] = &mc
	s.byAddress[mb.Address] = mb.ID
	return nil
}

// GetMailbox 根据ID获取邮箱
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	mc := *mb
	return &mc, nil
}

// GetMailboxByAddress 根据地址获取邮箱
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	mc := *s.mailboxes[id]
	return &mc, nil
}

// ListMailboxesByDomain 列出域名下的邮箱
func (s *Store) ListMailboxesByDomain(domainName string) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Mailbox
	for _, mb := range s.mailboxes {
		if mb.Domain == domainName {
			out = append(out, *mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// DeleteMailbox 删除邮箱
func (s *Store) DeleteMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	delete(s.byAddress, mb.Address)
	delete(s.mailboxes, id)
	return nil
}

// ========== Alias Repository ==========

// SaveAlias 创建别名
func (s *Store) SaveAlias(alias *domain.MailboxAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAlias[alias.Address]; ok {
		return storage.ErrAliasExists
	}
	ac := *alias
	s.aliases[alias.ID] = &ac
	s.byAlias[alias.Address] = alias.ID
	return nil
}

// GetAliasByAddress 根据地址获取别名
func (s *Store) GetAliasByAddress(address string) (*domain.MailboxAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAlias[address]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	ac := *s.aliases[id]
	return &ac, nil
}

// ListAliasesByDomain 列出域名下的别名
func (s *Store) ListAliasesByDomain(domainName string) ([]domain.MailboxAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suffix := "@" + domainName
	var out []domain.MailboxAlias
	for _, alias := range s.aliases {
		if strings.HasSuffix(alias.Address, suffix) {
			out = append(out, *alias)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// DeleteAlias 删除别名
func (s *Store) DeleteAlias(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alias, ok := s.aliases[id]
	if !ok {
		return storage.ErrAliasNotFound
	}
	delete(s.byAlias, alias.Address)
	delete(s.aliases, id)
	return nil
}

// ========== Message Repository ==========

// SaveMessage 写入邮件记录
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := *message
	s.messages[message.ID] = &mc
	return nil
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	mc := *m
	return &mc, nil
}

// ListMessages 按条件分页列出邮件
func (s *Store) ListMessages(filter storage.MessageFilter) ([]domain.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.Message
	for _, m := range s.messages {
		if filter.MailboxID != "" && m.MailboxID != filter.MailboxID {
			continue
		}
		if filter.ToAddress != "" && m.To != filter.ToAddress {
			continue
		}
		if filter.Sent != nil && m.Sent != *filter.Sent {
			continue
		}
		matched = append(matched, *m)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []domain.Message{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// MarkMessageRead 标记已读
func (s *Store) MarkMessageRead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	m.IsRead = true
	return nil
}

// DeleteMessage 删除邮件
func (s *Store) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return storage.ErrMessageNotFound
	}
	delete(s.messages, id)
	return nil
}
