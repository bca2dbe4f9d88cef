package smtp

import (
	"fmt"
	"io"
	"mime"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/service"
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 【接收策略】
// 这是一个只接收邮件的 SMTP 服务器（不做对外中继）：
// - Rcpt 阶段只验证收件域名是本系统托管且已激活的域名，外部域名一律 550 拒绝，
//   确保服务器不会成为垃圾邮件中继。
// - 收件邮箱是否存在【不】作为接收条件：发往托管域名下未知邮箱的邮件同样
//   解析并持久化（store-first 策略，等价于全域 catch-all 审计）。
//   是否改为协议层拒绝未知收件人是产品决策，此处保持现状。
// - 解析失败/持久化失败返回 451 临时错误，对端可以重试，绝不静默丢弃。
type Backend struct {
	mailboxes  *service.MailboxService
	messages   *service.MessageService
	identities *service.IdentityService
	metrics    *monitoring.Metrics
	log        *zap.Logger

	maxMessageSize int64
	limiter        *ConnectionLimiter
}

// NewBackend 创建 SMTP Backend
func NewBackend(
	mailboxes *service.MailboxService,
	messages *service.MessageService,
	identities *service.IdentityService,
	metrics *monitoring.Metrics,
	log *zap.Logger,
	maxMessageSize int64,
	limiter *ConnectionLimiter,
) *Backend {
	return &Backend{
		mailboxes:      mailboxes,
		messages:       messages,
		identities:     identities,
		metrics:        metrics,
		log:            log,
		maxMessageSize: maxMessageSize,
		limiter:        limiter,
	}
}

// NewSession 创建新的 SMTP 会话
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	b.metrics.SMTPConnections.Inc()
	return &session{backend: b}, nil
}

// session 单个 SMTP 事务的状态。
// 会话之间不共享可变状态，持久化调用可以并发阻塞在 I/O 上。
type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 【安全关键】只接受发往托管域名的邮件，拒绝所有外部地址，
// 防止被用作开放中继。未知邮箱不在这里拒绝（见 Backend 注释）。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	recipientDomain := domain.AddressDomain(addr)
	if recipientDomain == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if !s.backend.identities.IsHostedDomain(recipientDomain) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 缓冲并解析邮件内容，成功后恰好持久化一条记录。
//
// 大小限制在缓冲完成之前生效：LimitReader 多读一个字节即可判定超限，
// 不会把超大报文整个读进内存再拒绝。
func (s *session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	max := s.backend.maxMessageSize
	rawBytes, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return fmt.Errorf("read message data: %w", err)
	}
	if int64(len(rawBytes)) > max {
		s.backend.metrics.InboundRejected.WithLabelValues("size").Inc()
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message size exceeds fixed maximum message size",
		}
	}

	parsed, err := ParseMessage(rawBytes)
	if err != nil {
		// 解析失败回临时错误，邀请对端重试
		s.backend.log.Warn("inbound message parse failed",
			zap.String("from", s.fromAddress),
			zap.Error(err),
		)
		s.backend.metrics.InboundRejected.WithLabelValues("parse").Inc()
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "message could not be processed, try again later",
		}
	}

	to := s.recipients[0]

	// 收件邮箱解析是尽力而为：未知收件人照样入库
	mailboxID := ""
	if mb, err := s.backend.mailboxes.ResolveRecipient(to); err == nil {
		mailboxID = mb.ID
	}

	message, err := s.backend.messages.Create(service.CreateMessageInput{
		ProtocolMessageID: parsed.MessageID,
		MailboxID:         mailboxID,
		From:              s.fromAddress,
		To:                to,
		Subject:           parsed.Subject,
		Text:              parsed.Text,
		HTML:              parsed.HTML,
		Sent:              false,
		Status:            domain.MessageStatusReceived,
		Attachments:       parsed.Attachments,
	})
	if err != nil {
		// 存储短暂不可用：临时错误，对端会重投
		s.backend.log.Error("inbound message persist failed",
			zap.String("from", s.fromAddress),
			zap.String("to", to),
			zap.Error(err),
		)
		s.backend.metrics.InboundRejected.WithLabelValues("store").Inc()
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary storage failure, try again later",
		}
	}

	s.backend.metrics.InboundReceived.Inc()
	s.backend.log.Info("inbound message stored",
		zap.String("id", message.ID),
		zap.String("from", s.fromAddress),
		zap.String("to", to),
		zap.Bool("known_mailbox", mailboxID != ""),
	)
	return nil
}

// Reset 重置事务状态
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束
func (s *session) Logout() error {
	s.backend.metrics.SMTPConnections.Dec()
	if s.backend.limiter != nil {
		s.backend.limiter.Release()
	}
	return nil
}

// AuthPlain 接收端不要求认证
func (s *session) AuthPlain(username, password string) error {
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
