package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailforge/backend/internal/sender"
	"mailforge/backend/internal/service"
	"mailforge/backend/internal/storage"
)

// MailHandler 发信、邮件与邮箱接口
type MailHandler struct {
	sender    *sender.Sender
	messages  *service.MessageService
	mailboxes *service.MailboxService
	log       *zap.Logger
}

// NewMailHandler 创建邮件处理器
func NewMailHandler(
	snd *sender.Sender,
	messages *service.MessageService,
	mailboxes *service.MailboxService,
	log *zap.Logger,
) *MailHandler {
	return &MailHandler{
		sender:    snd,
		messages:  messages,
		mailboxes: mailboxes,
		log:       log,
	}
}

type sendMailRequest struct {
	From     string `json:"from" binding:"required"`
	To       string `json:"to" binding:"required"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body"`
	HTMLBody string `json:"html_body"`
}

// Send POST /api/mail/send
// 前置检查失败分别映射：未知发件箱 422、域名未配置 422、域名未激活 409；
// 中继拒收 502；其余（存储层故障等）是 500。
func (h *MailHandler) Send(c *gin.Context) {
	var req sendMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if req.TextBody == "" && req.HTMLBody == "" {
		BadRequest(c, "邮件正文不能为空")
		return
	}

	result, err := h.sender.Send(c.Request.Context(), req.From, req.To, req.Subject, req.TextBody, req.HTMLBody)
	if err != nil {
		switch {
		case errors.Is(err, sender.ErrUnknownSender),
			errors.Is(err, service.ErrDomainNotConfigured):
			UnprocessableEntity(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrDomainInactive):
			Conflict(c, GetErrorMessage(err))
		case errors.Is(err, sender.ErrRelayRejected):
			h.log.Warn("outbound send failed",
				zap.String("from", req.From),
				zap.String("to", req.To),
				zap.Error(err),
			)
			BadGateway(c, "邮件投递失败："+err.Error())
		default:
			h.log.Error("outbound send internal error",
				zap.String("from", req.From),
				zap.String("to", req.To),
				zap.Error(err),
			)
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, result)
}

// ListMessages GET /api/messages
// 过滤参数：mailbox_id、to、sent、page、page_size。
func (h *MailHandler) ListMessages(c *gin.Context) {
	filter := storage.MessageFilter{
		MailboxID: c.Query("mailbox_id"),
		ToAddress: c.Query("to"),
	}
	if sentParam := c.Query("sent"); sentParam != "" {
		sent, err := strconv.ParseBool(sentParam)
		if err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		filter.Sent = &sent
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	messages, total, err := h.messages.List(filter)
	if err != nil {
		h.log.Error("message list failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{
		"messages":  messages,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

// GetMessage GET /api/messages/:id
func (h *MailHandler) GetMessage(c *gin.Context) {
	message, err := h.messages.Get(c.Param("id"))
	if err != nil {
		NotFound(c, GetErrorMessage(storage.ErrMessageNotFound))
		return
	}
	Success(c, message)
}

// MarkMessageRead PATCH /api/messages/:id/read
func (h *MailHandler) MarkMessageRead(c *gin.Context) {
	if err := h.messages.MarkRead(c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInternalError)
		return
	}
	NoContent(c)
}

// DeleteMessage DELETE /api/messages/:id
func (h *MailHandler) DeleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInternalError)
		return
	}
	NoContent(c)
}

type createMailboxRequest struct {
	LocalPart string `json:"local_part" binding:"required"`
	Domain    string `json:"domain" binding:"required"`
	Password  string `json:"password" binding:"required"`
}

// CreateMailbox POST /api/mailboxes
func (h *MailHandler) CreateMailbox(c *gin.Context) {
	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	mailbox, err := h.mailboxes.Create(service.CreateMailboxInput{
		LocalPart: req.LocalPart,
		Domain:    req.Domain,
		Password:  req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMailboxExists), errors.Is(err, storage.ErrMailboxExists):
			Conflict(c, GetErrorMessage(storage.ErrMailboxExists))
		case errors.Is(err, service.ErrDomainNotConfigured):
			UnprocessableEntity(c, GetErrorMessage(err))
		default:
			BadRequest(c, GetErrorMessage(err))
		}
		return
	}

	Created(c, mailbox)
}

// ListMailboxes GET /api/domains/:name/mailboxes
func (h *MailHandler) ListMailboxes(c *gin.Context) {
	mailboxes, err := h.mailboxes.ListByDomain(c.Param("name"))
	if err != nil {
		h.log.Error("mailbox list failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, gin.H{"mailboxes": mailboxes, "total": len(mailboxes)})
}

// DeleteMailbox DELETE /api/mailboxes/:id
func (h *MailHandler) DeleteMailbox(c *gin.Context) {
	if err := h.mailboxes.Delete(c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInternalError)
		return
	}
	NoContent(c)
}

type createAliasRequest struct {
	MailboxID string `json:"mailbox_id" binding:"required"`
	Address   string `json:"address" binding:"required"`
}

// CreateAlias POST /api/aliases
func (h *MailHandler) CreateAlias(c *gin.Context) {
	var req createAliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	alias, err := h.mailboxes.CreateAlias(req.MailboxID, req.Address)
	if err != nil {
		if errors.Is(err, service.ErrAliasExists) {
			Conflict(c, GetErrorMessage(err))
			return
		}
		BadRequest(c, GetErrorMessage(err))
		return
	}
	Created(c, alias)
}
