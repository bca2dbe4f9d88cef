package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailforge/backend/internal/dnscheck"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/service"
	"mailforge/backend/internal/storage"
)

// DomainHandler 域名身份相关接口
type DomainHandler struct {
	identities *service.IdentityService
	checker    *dnscheck.Checker
	signerInv  SignerInvalidator
	log        *zap.Logger
}

// SignerInvalidator 密钥轮换后需要失效的签名缓存
type SignerInvalidator interface {
	InvalidateSigner(domainName string)
}

// NewDomainHandler 创建域名处理器
func NewDomainHandler(
	identities *service.IdentityService,
	checker *dnscheck.Checker,
	signerInv SignerInvalidator,
	log *zap.Logger,
) *DomainHandler {
	return &DomainHandler{
		identities: identities,
		checker:    checker,
		signerInv:  signerInv,
		log:        log,
	}
}

type createDomainRequest struct {
	Name string `json:"name" binding:"required"`
}

// domainResponse 域名详情 + DNS 配置说明
type domainResponse struct {
	Domain       *domain.HostedDomain      `json:"domain"`
	Instructions *domain.SetupInstructions `json:"instructions,omitempty"`
}

// Create POST /api/domains
// 幂等：域名已存在时返回既有身份，不会重新生成密钥。
func (h *DomainHandler) Create(c *gin.Context) {
	var req createDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	hosted, err := h.identities.CreateForDomain(req.Name)
	if err != nil {
		if errors.Is(err, service.ErrInvalidDomainName) {
			UnprocessableEntity(c, GetErrorMessage(err))
			return
		}
		h.log.Error("domain create failed", zap.String("name", req.Name), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Created(c, domainResponse{
		Domain:       hosted,
		Instructions: h.identities.SetupInstructions(hosted.Identity),
	})
}

// Get GET /api/domains/:name
func (h *DomainHandler) Get(c *gin.Context) {
	identity, err := h.identities.GetByName(c.Param("name"))
	if err != nil {
		NotFound(c, GetErrorMessage(storage.ErrDomainNotFound))
		return
	}
	Success(c, gin.H{
		"identity":     identity,
		"instructions": h.identities.SetupInstructions(identity),
	})
}

// List GET /api/domains
func (h *DomainHandler) List(c *gin.Context) {
	domains, err := h.identities.List()
	if err != nil {
		h.log.Error("domain list failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, gin.H{"domains": domains, "total": len(domains)})
}

// Delete DELETE /api/domains/:name
func (h *DomainHandler) Delete(c *gin.Context) {
	name := c.Param("name")
	if err := h.identities.Delete(name); err != nil {
		if errors.Is(err, service.ErrDomainNotConfigured) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("domain delete failed", zap.String("name", name), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	h.signerInv.InvalidateSigner(name)
	NoContent(c)
}

// Verify POST /api/domains/:name/verify
// 跑一轮 DNS 体检并把结果回写到域名身份；三项关键记录都通过时自动激活。
func (h *DomainHandler) Verify(c *gin.Context) {
	name := c.Param("name")

	identity, err := h.identities.GetByName(name)
	if err != nil {
		NotFound(c, GetErrorMessage(storage.ErrDomainNotFound))
		return
	}

	report := h.checker.CheckDomain(c.Request.Context(), name, identity.DKIMSelector)

	// 只回写有结论的检查项：解析器故障不能把已验证的记录打回未验证。
	updated, err := h.identities.UpdateVerification(name, report.VerificationUpdate())
	if err != nil {
		h.log.Error("verification update failed", zap.String("name", name), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{
		"identity": updated,
		"report":   report,
	})
}

type updateVerificationRequest struct {
	DKIMVerified *bool `json:"dkim_verified"`
	SPFVerified  *bool `json:"spf_verified"`
	MXVerified   *bool `json:"mx_verified"`
	Active       *bool `json:"active"`
}

// UpdateVerification PATCH /api/domains/:name/verification
// 手动覆盖验证状态（比如运营确认记录已生效但公共解析还没同步）。
func (h *DomainHandler) UpdateVerification(c *gin.Context) {
	var req updateVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	updated, err := h.identities.UpdateVerification(c.Param("name"), domain.VerificationUpdate{
		DKIMVerified: req.DKIMVerified,
		SPFVerified:  req.SPFVerified,
		MXVerified:   req.MXVerified,
		Active:       req.Active,
	})
	if err != nil {
		if errors.Is(err, service.ErrDomainNotConfigured) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, gin.H{"identity": updated})
}

// RotateDKIM POST /api/domains/:name/rotate-dkim
// 生成新选择器和新密钥对。旧 DNS 记录在新记录发布前仍可验证历史邮件，
// 所以轮换立即生效不影响已发出的邮件。
func (h *DomainHandler) RotateDKIM(c *gin.Context) {
	name := c.Param("name")

	identity, err := h.identities.Rotate(name)
	if err != nil {
		if errors.Is(err, service.ErrDomainNotConfigured) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("dkim rotation failed", zap.String("name", name), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	// 旧签名配置和缓存的体检报告都已过期
	h.signerInv.InvalidateSigner(name)
	h.checker.InvalidateCache(c.Request.Context(), name)

	Success(c, gin.H{
		"identity":     identity,
		"instructions": h.identities.SetupInstructions(identity),
		"rotated_at":   time.Now().UTC(),
	})
}

// CheckDNS GET /api/dns/:name/check
// 只读体检，不回写任何验证状态。
func (h *DomainHandler) CheckDNS(c *gin.Context) {
	name := c.Param("name")

	extra := []string{}
	if identity, err := h.identities.GetByName(name); err == nil {
		extra = append(extra, identity.DKIMSelector)
	}

	report := h.checker.CheckDomain(c.Request.Context(), name, extra...)
	Success(c, report)
}
