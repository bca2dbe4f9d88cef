package sender

import (
	"context"
	"crypto/rand"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/service"
	"mailforge/backend/internal/storage"
	"mailforge/backend/internal/storage/memory"
)

// promauto 注册到全局 registry，整个测试包共用一份
var testMetrics = monitoring.NewMetrics()

// fakeRelay 捕获投递调用，不走网络
type fakeRelay struct {
	err   error
	addr  string
	from  string
	to    []string
	msg   []byte
	calls int
}

func (f *fakeRelay) fn(addr, from string, to []string, msg []byte) error {
	f.calls++
	f.addr = addr
	f.from = from
	f.to = to
	f.msg = msg
	return f.err
}

type senderFixture struct {
	sender     *Sender
	relay      *fakeRelay
	identities *service.IdentityService
	mailboxes  *service.MailboxService
	messages   *service.MessageService
}

// newSenderFixture 托管并激活 example.com，带邮箱 alice@example.com
func newSenderFixture(t *testing.T) *senderFixture {
	t.Helper()
	store := memory.NewStore()
	identities := service.NewIdentityService(store, dkim.NewGenerator(), "203.0.113.10", nil, zap.NewNop())
	mailboxes := service.NewMailboxService(store)
	messages := service.NewMessageService(store)

	_, err := identities.CreateForDomain("example.com")
	require.NoError(t, err)
	active := true
	_, err = identities.UpdateVerification("example.com", domain.VerificationUpdate{Active: &active})
	require.NoError(t, err)

	_, err = mailboxes.Create(service.CreateMailboxInput{
		LocalPart: "alice", Domain: "example.com", Password: "correct-horse",
	})
	require.NoError(t, err)

	relay := &fakeRelay{}
	s := New(identities, mailboxes, messages, config.OutboundConfig{
		RelayAddr: "localhost:25",
		Timeout:   5 * time.Second,
	}, testMetrics, zap.NewNop())
	s.relay = relay.fn

	return &senderFixture{sender: s, relay: relay, identities: identities, mailboxes: mailboxes, messages: messages}
}

func TestSendSuccess(t *testing.T) {
	f := newSenderFixture(t)

	result, err := f.sender.Send(context.Background(), "alice@example.com", "bob@remote.org", "问候", "hello", "<p>hello</p>")
	require.NoError(t, err)

	assert.Equal(t, 1, f.relay.calls)
	assert.Equal(t, "localhost:25", f.relay.addr)
	assert.Equal(t, "alice@example.com", f.relay.from)
	assert.Equal(t, []string{"bob@remote.org"}, f.relay.to)

	msg := string(f.relay.msg)
	assert.True(t, strings.HasPrefix(msg, "DKIM-Signature:"), "relayed message must carry a DKIM signature")
	assert.Contains(t, msg, "d=example.com;")
	assert.Contains(t, msg, "From: alice@example.com\r\n")
	assert.Contains(t, msg, "To: bob@remote.org\r\n")
	assert.Contains(t, msg, "Content-Type: multipart/alternative;")

	// Message-ID 形如 unixNano.随机十六进制@域名
	assert.Regexp(t, regexp.MustCompile(`^\d+\.[0-9a-f]{16}@example\.com$`), result.MessageID)
	assert.Contains(t, msg, "Message-ID: <"+result.MessageID+">\r\n")
}

func TestSendPersistsAfterRelayAck(t *testing.T) {
	f := newSenderFixture(t)

	result, err := f.sender.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	require.NoError(t, err)
	require.NotEmpty(t, result.StoredID)

	stored, err := f.messages.Get(result.StoredID)
	require.NoError(t, err)
	assert.True(t, stored.Sent)
	assert.Equal(t, domain.MessageStatusSent, stored.Status)
	assert.Equal(t, result.MessageID, stored.ProtocolMessageID)
	assert.NotEmpty(t, stored.MailboxID)
}

func TestSendUnknownSender(t *testing.T) {
	f := newSenderFixture(t)

	_, err := f.sender.Send(context.Background(), "ghost@example.com", "bob@remote.org", "hi", "body", "")
	assert.ErrorIs(t, err, ErrUnknownSender)
	assert.Zero(t, f.relay.calls)
}

func TestSendDomainNotConfigured(t *testing.T) {
	f := newSenderFixture(t)

	// 邮箱还在，域名身份已被删除
	require.NoError(t, f.identities.Delete("example.com"))

	_, err := f.sender.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	assert.ErrorIs(t, err, service.ErrDomainNotConfigured)
	assert.Zero(t, f.relay.calls)
}

func TestSendDomainInactive(t *testing.T) {
	f := newSenderFixture(t)

	inactive := false
	_, err := f.identities.UpdateVerification("example.com", domain.VerificationUpdate{Active: &inactive})
	require.NoError(t, err)

	_, err = f.sender.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	assert.ErrorIs(t, err, service.ErrDomainInactive)
	assert.Zero(t, f.relay.calls)
}

func TestSendRelayFailureDoesNotPersist(t *testing.T) {
	f := newSenderFixture(t)
	f.relay.err = errors.New("relay: 451 try again later")

	_, err := f.sender.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	assert.ErrorIs(t, err, ErrRelayRejected)
	assert.Contains(t, err.Error(), "451 try again later")

	// 投递失败不落库
	sent := true
	_, total, err := f.messages.List(storage.MessageFilter{Sent: &sent})
	require.NoError(t, err)
	assert.Zero(t, total)
}

// flakyStore 包装内存存储，可以让发件人/域名查询返回瞬时故障
type flakyStore struct {
	*memory.Store
	mailboxErr  error
	identityErr error
}

func (f *flakyStore) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	if f.mailboxErr != nil {
		return nil, f.mailboxErr
	}
	return f.Store.GetMailboxByAddress(address)
}

func (f *flakyStore) GetIdentityByDomain(name string) (*domain.DomainIdentity, error) {
	if f.identityErr != nil {
		return nil, f.identityErr
	}
	return f.Store.GetIdentityByDomain(name)
}

func TestSendStorageFailureIsNotPreconditionError(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	identities := service.NewIdentityService(store, dkim.NewGenerator(), "203.0.113.10", nil, zap.NewNop())
	mailboxes := service.NewMailboxService(store)
	messages := service.NewMessageService(store)

	_, err := identities.CreateForDomain("example.com")
	require.NoError(t, err)
	active := true
	_, err = identities.UpdateVerification("example.com", domain.VerificationUpdate{Active: &active})
	require.NoError(t, err)
	_, err = mailboxes.Create(service.CreateMailboxInput{LocalPart: "alice", Domain: "example.com", Password: "correct-horse"})
	require.NoError(t, err)

	relay := &fakeRelay{}
	s := New(identities, mailboxes, messages, config.OutboundConfig{RelayAddr: "localhost:25"}, testMetrics, zap.NewNop())
	s.relay = relay.fn

	// 邮箱查询抖动：必须原样上抛，不能伪装成"发件人不存在"
	store.mailboxErr = errors.New("driver: bad connection")
	_, err = s.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownSender)
	assert.Contains(t, err.Error(), "bad connection")
	assert.Zero(t, relay.calls)

	// 域名身份查询抖动：同理不能伪装成"域名未配置"
	store.mailboxErr = nil
	store.identityErr = errors.New("driver: bad connection")
	_, err = s.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, service.ErrDomainNotConfigured)
	assert.Zero(t, relay.calls)

	// 故障恢复后照常发送
	store.identityErr = nil
	_, err = s.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	require.NoError(t, err)
	assert.Equal(t, 1, relay.calls)
}

func TestSignerRebuildAfterRotate(t *testing.T) {
	// selector 按 unix 秒派生，真实时钟下同一秒内轮换会得到相同 selector，
	// 这里用每次前进一分钟的假时钟保证两次生成的 selector 不同
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	gen := dkim.NewGeneratorWithClock(rand.Reader, func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})

	store := memory.NewStore()
	identities := service.NewIdentityService(store, gen, "203.0.113.10", nil, zap.NewNop())
	mailboxes := service.NewMailboxService(store)
	messages := service.NewMessageService(store)

	_, err := identities.CreateForDomain("example.com")
	require.NoError(t, err)
	active := true
	_, err = identities.UpdateVerification("example.com", domain.VerificationUpdate{Active: &active})
	require.NoError(t, err)
	_, err = mailboxes.Create(service.CreateMailboxInput{LocalPart: "alice", Domain: "example.com", Password: "correct-horse"})
	require.NoError(t, err)

	relay := &fakeRelay{}
	s := New(identities, mailboxes, messages, config.OutboundConfig{RelayAddr: "localhost:25"}, testMetrics, zap.NewNop())
	s.relay = relay.fn
	f := &senderFixture{sender: s, relay: relay, identities: identities, mailboxes: mailboxes, messages: messages}

	_, err = f.sender.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	require.NoError(t, err)

	before, err := f.identities.GetByName("example.com")
	require.NoError(t, err)
	assert.Contains(t, string(f.relay.msg), "s="+before.DKIMSelector+";")

	rotated, err := f.identities.Rotate("example.com")
	require.NoError(t, err)
	require.NotEqual(t, before.DKIMSelector, rotated.DKIMSelector)
	f.sender.InvalidateSigner("example.com")

	// 轮换不影响激活状态，重新激活不需要
	_, err = f.sender.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "body", "")
	require.NoError(t, err)
	assert.Contains(t, string(f.relay.msg), "s="+rotated.DKIMSelector+";")
}

func TestSendEmptyBodiesStillBuilds(t *testing.T) {
	f := newSenderFixture(t)

	// 纯文本（无 HTML）走单体报文
	_, err := f.sender.Send(context.Background(), "alice@example.com", "bob@remote.org", "hi", "plain only", "")
	require.NoError(t, err)
	msg := string(f.relay.msg)
	assert.Contains(t, msg, "Content-Type: text/plain; charset=utf-8")
	assert.NotContains(t, msg, "multipart/alternative")
}
