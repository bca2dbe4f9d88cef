// Package sender 出站邮件发送：构造 RFC 5322 报文、DKIM 签名、经中继投递。
package sender

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"mime"
	"net"
	netsmtp "net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"go.uber.org/zap"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/service"
)

var (
	// ErrUnknownSender 发件地址不是本系统的邮箱
	ErrUnknownSender = errors.New("sender mailbox not found")
	// ErrRelayRejected 上游中继拒收或不可达
	ErrRelayRejected = errors.New("relay rejected message")
)

// SendResult 一次成功投递的回执
type SendResult struct {
	MessageID string `json:"message_id"`
	StoredID  string `json:"stored_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// RelayFunc 把签名后的报文交给上游中继。默认实现是 net/smtp.SendMail。
type RelayFunc func(addr, from string, to []string, msg []byte) error

// Sender 出站邮件发送器。
//
// 每个域名的签名配置按需构建并缓存；缓存条目记录构建时的选择器，
// 密钥轮换后选择器变化会自动触发重建，也可以显式失效。
type Sender struct {
	identities *service.IdentityService
	mailboxes  *service.MailboxService
	messages   *service.MessageService
	cfg        config.OutboundConfig
	metrics    *monitoring.Metrics
	log        *zap.Logger
	relay      RelayFunc

	mu      sync.Mutex
	signers map[string]*signerEntry
}

type signerEntry struct {
	selector string
	signer   crypto.Signer
}

// New 创建发送器
func New(
	identities *service.IdentityService,
	mailboxes *service.MailboxService,
	messages *service.MessageService,
	cfg config.OutboundConfig,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *Sender {
	return &Sender{
		identities: identities,
		mailboxes:  mailboxes,
		messages:   messages,
		cfg:        cfg,
		metrics:    metrics,
		log:        log,
		relay:      relayWithTimeout(cfg.Timeout),
		signers:    make(map[string]*signerEntry),
	}
}

// relayWithTimeout 经未认证的本地中继投递（通常是同机的 Postfix）。
// net/smtp.SendMail 不支持拨号超时，这里手动建连后复用其客户端协议实现。
func relayWithTimeout(timeout time.Duration) RelayFunc {
	return func(addr, from string, to []string, msg []byte) error {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return err
		}
		if timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(timeout))
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		client, err := netsmtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return err
		}
		defer client.Close()

		if err := client.Mail(from); err != nil {
			return err
		}
		for _, rcpt := range to {
			if err := client.Rcpt(rcpt); err != nil {
				return err
			}
		}
		w, err := client.Data()
		if err != nil {
			return err
		}
		if _, err := w.Write(msg); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		return client.Quit()
	}
}

// Send 发送一封邮件。
//
// 前置检查按固定顺序执行，每种失败返回可区分的错误：
//  1. 发件地址必须对应一个已有邮箱（ErrUnknownSender）
//  2. 发件域名必须已配置身份（service.ErrDomainNotConfigured）
//  3. 发件域名必须处于激活状态（service.ErrDomainInactive）
//
// 前置检查期间存储层本身出错不映射到上面任何一种：那是内部故障，
// 原样向上传递。中继拒收包 ErrRelayRejected。
//
// 发送记录只在中继确认接收之后落库：投递失败时数据库里不会留下
// 半成品记录，调用方看到的错误就是真实的投递错误。
func (s *Sender) Send(ctx context.Context, from, to, subject, textBody, htmlBody string) (*SendResult, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.TrimSpace(to)

	mailbox, err := s.mailboxes.GetByAddress(from)
	if err != nil {
		if errors.Is(err, service.ErrMailboxNotFound) {
			s.countFailure("precondition")
			return nil, ErrUnknownSender
		}
		// 存储层短暂故障不能伪装成"发件人不存在"
		s.countFailure("storage")
		return nil, fmt.Errorf("lookup sender mailbox: %w", err)
	}

	senderDomain := domain.AddressDomain(from)
	identity, err := s.identities.GetByName(senderDomain)
	if err != nil {
		if errors.Is(err, service.ErrDomainNotConfigured) {
			s.countFailure("precondition")
			return nil, service.ErrDomainNotConfigured
		}
		s.countFailure("storage")
		return nil, fmt.Errorf("lookup sender domain identity: %w", err)
	}
	if !identity.Active {
		s.countFailure("precondition")
		return nil, service.ErrDomainInactive
	}

	messageID := newMessageID(senderDomain)
	raw, err := buildMessage(from, to, subject, textBody, htmlBody, messageID)
	if err != nil {
		s.countFailure("build")
		return nil, fmt.Errorf("build message: %w", err)
	}

	signed, err := s.sign(senderDomain, identity, raw)
	if err != nil {
		s.countFailure("build")
		return nil, fmt.Errorf("dkim sign: %w", err)
	}

	if err := s.relay(s.cfg.RelayAddr, from, []string{to}, signed); err != nil {
		s.countFailure("transport")
		s.log.Warn("outbound relay rejected message",
			zap.String("from", from),
			zap.String("to", to),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrRelayRejected, err)
	}

	stored, err := s.messages.Create(service.CreateMessageInput{
		ProtocolMessageID: strings.Trim(messageID, "<>"),
		MailboxID:         mailbox.ID,
		From:              from,
		To:                to,
		Subject:           subject,
		Text:              textBody,
		HTML:              htmlBody,
		Sent:              true,
		Status:            domain.MessageStatusSent,
	})
	if err != nil {
		// 邮件已经发出去了，只是记录没存上。不能向调用方谎报失败。
		s.log.Error("sent message could not be persisted",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}

	s.metrics.OutboundSent.Inc()
	result := &SendResult{
		MessageID: strings.Trim(messageID, "<>"),
		From:      from,
		To:        to,
	}
	if stored != nil {
		result.StoredID = stored.ID
	}
	return result, nil
}

// InvalidateSigner 丢弃域名的签名缓存。密钥轮换后调用。
func (s *Sender) InvalidateSigner(domainName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signers, domainName)
}

// sign 用域名身份的 DKIM 密钥签名报文
func (s *Sender) sign(domainName string, identity *domain.DomainIdentity, raw []byte) ([]byte, error) {
	signer, err := s.signerFor(domainName, identity)
	if err != nil {
		return nil, err
	}

	options := &dkim.SignOptions{
		Domain:   domainName,
		Selector: identity.DKIMSelector,
		Signer:   signer,
		HeaderKeys: []string{
			"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type",
		},
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), options); err != nil {
		return nil, err
	}
	return signed.Bytes(), nil
}

// signerFor 返回域名的签名器，选择器变化时重建缓存条目
func (s *Sender) signerFor(domainName string, identity *domain.DomainIdentity) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.signers[domainName]; ok && entry.selector == identity.DKIMSelector {
		return entry.signer, nil
	}

	block, _ := pem.Decode([]byte(identity.DKIMPrivateKey))
	if block == nil {
		return nil, errors.New("identity holds no PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	s.signers[domainName] = &signerEntry{
		selector: identity.DKIMSelector,
		signer:   key,
	}
	return key, nil
}

func (s *Sender) countFailure(reason string) {
	if s.metrics != nil {
		s.metrics.OutboundFailed.WithLabelValues(reason).Inc()
	}
}

// newMessageID 形如 <unixNano.随机十六进制@域名>
func newMessageID(domainName string) string {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand 失败极罕见，退回纳秒时间戳自身的唯一性
		return fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), time.Now().Unix(), domainName)
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(suffix), domainName)
}

// buildMessage 构造 RFC 5322 报文。
// 同时给出文本和 HTML 正文时生成 multipart/alternative，
// 文本部分在前（MUA 约定：优先级低的部分在前）。
func buildMessage(from, to, subject, textBody, htmlBody, messageID string) ([]byte, error) {
	var b strings.Builder
	writeHeader := func(key, value string) {
		fmt.Fprintf(&b, "%s: %s\r\n", key, value)
	}

	writeHeader("From", from)
	writeHeader("To", to)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-ID", messageID)
	writeHeader("MIME-Version", "1.0")

	switch {
	case textBody != "" && htmlBody != "":
		boundary, err := newBoundary()
		if err != nil {
			return nil, err
		}
		writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		b.WriteString("\r\n")

		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(textBody)
		b.WriteString("\r\n")

		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(htmlBody)
		b.WriteString("\r\n")

		fmt.Fprintf(&b, "--%s--\r\n", boundary)

	case htmlBody != "":
		writeHeader("Content-Type", "text/html; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(htmlBody)
		b.WriteString("\r\n")

	default:
		writeHeader("Content-Type", "text/plain; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(textBody)
		b.WriteString("\r\n")
	}

	return []byte(b.String()), nil
}

func newBoundary() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
