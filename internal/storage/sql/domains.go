package sql

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage"
)

// ========== Domain / Identity Repository ==========

// CreateDomainWithIdentity 在一个事务里创建域名与其邮件身份。
// Name 上的唯一索引保证并发创建只有一个成功，重复创建返回 ErrDomainExists。
func (s *Store) CreateDomainWithIdentity(d *domain.HostedDomain, identity *domain.DomainIdentity) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return err
		}
		return tx.Create(identity).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrDomainExists
	}
	return err
}

// GetDomainByName 根据域名获取托管域名（含身份）
func (s *Store) GetDomainByName(name string) (*domain.HostedDomain, error) {
	var d domain.HostedDomain
	err := s.db.Preload("Identity").Where("name = ?", name).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrDomainNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDomains 列出全部托管域名（含身份）
func (s *Store) ListDomains() ([]domain.HostedDomain, error) {
	var out []domain.HostedDomain
	if err := s.db.Preload("Identity").Order("name asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDomain 删除域名，身份随外键级联删除。
// 数据库未启用级联时（老版本 MySQL）手动补删身份行。
func (s *Store) DeleteDomain(name string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("name = ?", name).Delete(&domain.HostedDomain{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrDomainNotFound
		}
		return tx.Where("domain_name = ?", name).Delete(&domain.DomainIdentity{}).Error
	})
}

// GetIdentityByDomain 根据域名获取邮件身份
func (s *Store) GetIdentityByDomain(name string) (*domain.DomainIdentity, error) {
	var identity domain.DomainIdentity
	err := s.db.Where("domain_name = ?", name).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// ListActiveIdentities 列出所有已激活域名的身份
func (s *Store) ListActiveIdentities() ([]domain.DomainIdentity, error) {
	var out []domain.DomainIdentity
	if err := s.db.Where("active = ?", true).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateIdentityVerification 部分更新验证状态。
// 只更新非 nil 字段，未提供的字段保持原值；读-改-写放在事务里，
// 避免并发验证调用覆盖彼此的结果。
func (s *Store) UpdateIdentityVerification(name string, upd domain.VerificationUpdate) (*domain.DomainIdentity, error) {
	var identity domain.DomainIdentity
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("domain_name = ?", name).First(&identity).Error; err != nil {
			return err
		}

		changes := map[string]interface{}{}
		if upd.DKIMVerified != nil {
			changes["dkim_verified"] = *upd.DKIMVerified
			identity.DKIMVerified = *upd.DKIMVerified
		}
		if upd.SPFVerified != nil {
			changes["spf_verified"] = *upd.SPFVerified
			identity.SPFVerified = *upd.SPFVerified
		}
		if upd.MXVerified != nil {
			changes["mx_verified"] = *upd.MXVerified
			identity.MXVerified = *upd.MXVerified
		}
		if upd.Active != nil {
			changes["active"] = *upd.Active
			identity.Active = *upd.Active
		}
		if len(changes) == 0 {
			return nil
		}
		return tx.Model(&domain.DomainIdentity{}).Where("domain_name = ?", name).Updates(changes).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// ReplaceIdentityKeys 密钥轮换：整体替换 selector 与密钥材料。
// 新 selector 的验证状态回到未验证，Active 保持不变由调用方决定。
func (s *Store) ReplaceIdentityKeys(name, selector, publicPEM, privatePEM, txtRecord string, rotatedAt time.Time) (*domain.DomainIdentity, error) {
	var identity domain.DomainIdentity
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("domain_name = ?", name).First(&identity).Error; err != nil {
			return err
		}
		changes := map[string]interface{}{
			"dkim_selector":    selector,
			"dkim_public_key":  publicPEM,
			"dkim_private_key": privatePEM,
			"dkim_txt_record":  txtRecord,
			"dkim_verified":    false,
			"rotated_at":       rotatedAt,
		}
		if err := tx.Model(&domain.DomainIdentity{}).Where("domain_name = ?", name).Updates(changes).Error; err != nil {
			return err
		}
		identity.DKIMSelector = selector
		identity.DKIMPublicKey = publicPEM
		identity.DKIMPrivateKey = privatePEM
		identity.DKIMTxtRecord = txtRecord
		identity.DKIMVerified = false
		identity.RotatedAt = &rotatedAt
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}
