package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/storage"
)

var (
	// ErrDomainNotConfigured 域名没有邮件身份
	ErrDomainNotConfigured = errors.New("domain not configured")
	// ErrDomainInactive 域名身份未激活，拒绝发信
	ErrDomainInactive = errors.New("domain inactive")
	// ErrInvalidDomainName 域名格式非法
	ErrInvalidDomainName = errors.New("invalid domain name")
)

// IdentityService 管理每个托管域名的邮件身份：
// DKIM 密钥生命周期、派生 DNS 记录与验证状态机。
type IdentityService struct {
	store    storage.Store
	gen      *dkim.Generator
	serverIP string
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewIdentityService 创建域名身份服务。metrics 可为 nil。
func NewIdentityService(store storage.Store, gen *dkim.Generator, serverIP string, metrics *monitoring.Metrics, log *zap.Logger) *IdentityService {
	return &IdentityService{
		store:    store,
		gen:      gen,
		serverIP: serverIP,
		metrics:  metrics,
		log:      log,
	}
}

// CreateForDomain 为域名创建托管记录与邮件身份。
//
// 幂等：身份已存在时直接返回现有身份，绝不重新生成密钥。
// 存在性检查放在密钥生成之前，避免为重复请求浪费一次 RSA 生成。
// 域名与身份在同一事务内创建；并发创建同名域名时唯一索引保证
// 只有一个成功，失败方转而返回已持久化的身份。
func (s *IdentityService) CreateForDomain(name string) (*domain.HostedDomain, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if err := domain.ValidateDomainName(name); err != nil {
		return nil, ErrInvalidDomainName
	}

	if existing, err := s.store.GetDomainByName(name); err == nil {
		return existing, nil
	}

	material, err := s.gen.Generate(name, s.serverIP)
	if err != nil {
		// 密钥生成失败对域名创建是致命的
		return nil, fmt.Errorf("generate domain identity: %w", err)
	}

	now := time.Now().UTC()
	d := &domain.HostedDomain{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
	}
	identity := &domain.DomainIdentity{
		ID:             uuid.NewString(),
		DomainID:       d.ID,
		DomainName:     name,
		DKIMSelector:   material.Selector,
		DKIMPublicKey:  material.PublicKeyPEM,
		DKIMPrivateKey: material.PrivateKeyPEM,
		DKIMTxtRecord:  material.TXTRecord,
		SPFRecord:      material.SPFRecord,
		MXRecord:       material.MXRecord,
		DMARCRecord:    material.DMARCRecord,
		Active:         false, // 验证通过前禁止收发
		CreatedAt:      now,
	}

	if err := s.store.CreateDomainWithIdentity(d, identity); err != nil {
		if errors.Is(err, storage.ErrDomainExists) {
			// 并发创建输掉竞争：返回赢家已写入的身份
			return s.store.GetDomainByName(name)
		}
		return nil, err
	}

	s.log.Info("domain identity created",
		zap.String("domain", name),
		zap.String("selector", material.Selector),
	)
	if s.metrics != nil {
		s.metrics.DomainsCreated.Inc()
	}

	d.Identity = identity
	return d, nil
}

// GetByName 获取域名身份
func (s *IdentityService) GetByName(name string) (*domain.DomainIdentity, error) {
	identity, err := s.store.GetIdentityByDomain(strings.ToLower(name))
	if errors.Is(err, storage.ErrIdentityNotFound) {
		return nil, ErrDomainNotConfigured
	}
	return identity, err
}

// UpdateVerification 部分更新验证状态。
// 只有提供的字段会改变；三项验证全部通过且调用方未显式指定 Active 时，
// 自动激活域名。
func (s *IdentityService) UpdateVerification(name string, upd domain.VerificationUpdate) (*domain.DomainIdentity, error) {
	name = strings.ToLower(name)
	identity, err := s.store.UpdateIdentityVerification(name, upd)
	if errors.Is(err, storage.ErrIdentityNotFound) {
		return nil, ErrDomainNotConfigured
	}
	if err != nil {
		return nil, err
	}

	if upd.Active == nil && !identity.Active &&
		identity.DKIMVerified && identity.SPFVerified && identity.MXVerified {
		active := true
		identity, err = s.store.UpdateIdentityVerification(name, domain.VerificationUpdate{Active: &active})
		if err != nil {
			return nil, err
		}
		s.log.Info("domain activated", zap.String("domain", name))
	}

	return identity, nil
}

// Rotate 轮换 DKIM 密钥：生成新 selector 与新密钥对。
// 旧 selector 的私钥绝不原地覆盖语义——轮换就是换 selector。
// 新密钥的 DKIM 验证状态回到未验证。
func (s *IdentityService) Rotate(name string) (*domain.DomainIdentity, error) {
	name = strings.ToLower(name)
	if _, err := s.store.GetIdentityByDomain(name); err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			return nil, ErrDomainNotConfigured
		}
		return nil, err
	}

	material, err := s.gen.Generate(name, s.serverIP)
	if err != nil {
		return nil, fmt.Errorf("generate rotation keys: %w", err)
	}

	identity, err := s.store.ReplaceIdentityKeys(
		name,
		material.Selector,
		material.PublicKeyPEM,
		material.PrivateKeyPEM,
		material.TXTRecord,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}

	s.log.Info("dkim keys rotated",
		zap.String("domain", name),
		zap.String("selector", material.Selector),
	)
	if s.metrics != nil {
		s.metrics.DKIMRotations.Inc()
	}
	return identity, nil
}

// Delete 删除域名及其身份（级联）
func (s *IdentityService) Delete(name string) error {
	err := s.store.DeleteDomain(strings.ToLower(name))
	if errors.Is(err, storage.ErrDomainNotFound) {
		return ErrDomainNotConfigured
	}
	if err == nil && s.metrics != nil {
		s.metrics.DomainsDeleted.Inc()
	}
	return err
}

// List 列出全部托管域名
func (s *IdentityService) List() ([]domain.HostedDomain, error) {
	return s.store.ListDomains()
}

// IsHostedDomain 判断域名是否由本系统托管且已激活。
// 入站接收只需要知道邮件发往某个托管域名，不验证具体邮箱。
func (s *IdentityService) IsHostedDomain(name string) bool {
	identity, err := s.store.GetIdentityByDomain(strings.ToLower(name))
	if err != nil {
		return false
	}
	return identity.Active
}

// SetupInstructions 生成人类可读的 DNS 配置说明
func (s *IdentityService) SetupInstructions(identity *domain.DomainIdentity) *domain.SetupInstructions {
	return &domain.SetupInstructions{
		Domain: identity.DomainName,
		Steps: []domain.SetupInstruction{
			{
				RecordType: "TXT",
				Host:       dkim.DKIMRecordHost(identity.DKIMSelector),
				Value:      identity.DKIMTxtRecord,
				Purpose:    "dkim",
			},
			{
				RecordType: "TXT",
				Host:       "@",
				Value:      identity.SPFRecord,
				Purpose:    "spf",
			},
			{
				RecordType: "MX",
				Host:       "@",
				Value:      identity.MXRecord,
				Purpose:    "mx",
			},
			{
				RecordType: "TXT",
				Host:       "_dmarc",
				Value:      identity.DMARCRecord,
				Purpose:    "dmarc",
			},
		},
	}
}
