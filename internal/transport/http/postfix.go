package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailforge/backend/internal/dnscheck"
	"mailforge/backend/internal/postfix"
	"mailforge/backend/internal/service"
)

// PostfixHandler MTA 配置生成与下发接口
type PostfixHandler struct {
	identities *service.IdentityService
	mailboxes  *service.MailboxService
	applier    *postfix.Applier
	checker    *dnscheck.Checker
	limits     postfix.Limits
	log        *zap.Logger
}

// NewPostfixHandler 创建 Postfix 处理器
func NewPostfixHandler(
	identities *service.IdentityService,
	mailboxes *service.MailboxService,
	applier *postfix.Applier,
	checker *dnscheck.Checker,
	limits postfix.Limits,
	log *zap.Logger,
) *PostfixHandler {
	return &PostfixHandler{
		identities: identities,
		mailboxes:  mailboxes,
		applier:    applier,
		checker:    checker,
		limits:     limits,
		log:        log,
	}
}

type renderRequest struct {
	PrimaryDomain string `json:"primary_domain" binding:"required"`
}

type applyRequest struct {
	PrimaryDomain string `json:"primary_domain" binding:"required"`
	ForceRestart  bool   `json:"force_restart"`
}

// buildBundle 从存储中的全部托管域名组装一份完整的投递配置
func (h *PostfixHandler) buildBundle(primary string) (*postfix.ConfigBundle, error) {
	identity, err := h.identities.GetByName(primary)
	if err != nil {
		return nil, err
	}

	domains, err := h.identities.List()
	if err != nil {
		return nil, err
	}

	entries := make([]postfix.VirtualEntry, 0, len(domains))
	for _, d := range domains {
		entry := postfix.VirtualEntry{Domain: d.Name, Aliases: make(map[string]string)}

		mailboxes, err := h.mailboxes.ListByDomain(d.Name)
		if err != nil {
			return nil, err
		}
		for _, mb := range mailboxes {
			entry.Mailboxes = append(entry.Mailboxes, mb.Address)
		}

		aliases, err := h.mailboxes.ListAliasesByDomain(d.Name)
		if err != nil {
			return nil, err
		}
		for _, alias := range aliases {
			if !alias.IsActive {
				continue
			}
			target, err := h.mailboxes.GetByID(alias.MailboxID)
			if err != nil {
				continue
			}
			entry.Aliases[alias.Address] = target.Address
		}

		entries = append(entries, entry)
	}

	return postfix.RenderVirtual(primary, identity, h.limits, entries), nil
}

// Render POST /api/postfix/render
// 纯渲染，不接触文件系统，给运维预览用。
func (h *PostfixHandler) Render(c *gin.Context) {
	var req renderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	bundle, err := h.buildBundle(req.PrimaryDomain)
	if err != nil {
		if errors.Is(err, service.ErrDomainNotConfigured) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("postfix render failed", zap.String("primary", req.PrimaryDomain), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{
		"main_cf":           bundle.MainCF,
		"virtual_domains":   bundle.VirtualDomains,
		"virtual_mailboxes": bundle.VirtualMailboxes,
		"virtual_aliases":   bundle.VirtualAliases,
	})
}

// Apply POST /api/postfix/apply
// 渲染并落盘，reload（或 restart）Postfix。失败响应带阶段标记。
func (h *PostfixHandler) Apply(c *gin.Context) {
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	bundle, err := h.buildBundle(req.PrimaryDomain)
	if err != nil {
		if errors.Is(err, service.ErrDomainNotConfigured) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInternalError)
		return
	}

	result, err := h.applier.Apply(c.Request.Context(), bundle, req.ForceRestart)
	if err != nil {
		var stageErr *postfix.StageError
		if errors.As(err, &stageErr) {
			h.log.Error("postfix apply failed",
				zap.String("stage", stageErr.Stage),
				zap.Error(stageErr.Err),
			)
			BadGateway(c, "配置下发失败（阶段："+stageErr.Stage+"）")
			return
		}
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, result)
}

// CheckPort GET /api/ports/:port/check
func (h *PostfixHandler) CheckPort(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		BadRequest(c, "端口号无效")
		return
	}

	result := h.checker.CheckPort(c.Request.Context(), port)
	Success(c, result)
}
