package sql

import (
	"errors"

	"gorm.io/gorm"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage"
)

// ========== Mailbox Repository ==========

// SaveMailbox 创建邮箱账户，地址重复时返回 ErrMailboxExists
func (s *Store) SaveMailbox(mb *domain.Mailbox) error {
	err := s.db.Create(mb).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrMailboxExists
	}
	return err
}

// GetMailbox 根据ID获取邮箱
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	err := s.db.Where("id = ?", id).First(&mb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMailboxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mb, nil
}

// GetMailboxByAddress 根据完整地址获取邮箱
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	err := s.db.Where("address = ?", address).First(&mb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMailboxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mb, nil
}

// ListMailboxesByDomain 列出域名下的全部邮箱
func (s *Store) ListMailboxesByDomain(domainName string) ([]domain.Mailbox, error) {
	var out []domain.Mailbox
	if err := s.db.Where("domain = ?", domainName).Order("address asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMailbox 删除邮箱账户
func (s *Store) DeleteMailbox(id string) error {
	res := s.db.Where("id = ?", id).Delete(&domain.Mailbox{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// ========== Alias Repository ==========

// SaveAlias 创建邮箱别名
func (s *Store) SaveAlias(alias *domain.MailboxAlias) error {
	err := s.db.Create(alias).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrAliasExists
	}
	return err
}

// GetAliasByAddress 根据地址获取别名
func (s *Store) GetAliasByAddress(address string) (*domain.MailboxAlias, error) {
	var alias domain.MailboxAlias
	err := s.db.Where("address = ?", address).First(&alias).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrAliasNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alias, nil
}

// ListAliasesByDomain 列出域名下的全部别名
func (s *Store) ListAliasesByDomain(domainName string) ([]domain.MailboxAlias, error) {
	var out []domain.MailboxAlias
	if err := s.db.Where("address LIKE ?", "%@"+domainName).Order("address asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAlias 删除别名
func (s *Store) DeleteAlias(id string) error {
	res := s.db.Where("id = ?", id).Delete(&domain.MailboxAlias{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrAliasNotFound
	}
	return nil
}
