package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage/memory"
)

// newMailboxFixture 建一个带已托管域名 example.com 的邮箱服务
func newMailboxFixture(t *testing.T) (*MailboxService, *IdentityService) {
	t.Helper()
	store := memory.NewStore()
	identities := NewIdentityService(store, dkim.NewGenerator(), "203.0.113.10", nil, zap.NewNop())
	_, err := identities.CreateForDomain("example.com")
	require.NoError(t, err)
	return NewMailboxService(store), identities
}

func TestMailboxCreate(t *testing.T) {
	svc, _ := newMailboxFixture(t)

	mb, err := svc.Create(CreateMailboxInput{
		LocalPart: "Alice",
		Domain:    "Example.com",
		Password:  "correct-horse",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", mb.Address)
	assert.Equal(t, "alice", mb.LocalPart)
	assert.True(t, mb.IsActive)
	// 明文密码绝不落库
	assert.NotEqual(t, "correct-horse", mb.PasswordHash)
	assert.NotEmpty(t, mb.PasswordHash)
}

func TestMailboxCreateDuplicate(t *testing.T) {
	svc, _ := newMailboxFixture(t)

	_, err := svc.Create(CreateMailboxInput{LocalPart: "alice", Domain: "example.com", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = svc.Create(CreateMailboxInput{LocalPart: "alice", Domain: "example.com", Password: "another-pass"})
	assert.ErrorIs(t, err, ErrMailboxExists)
}

func TestMailboxCreateUnhostedDomain(t *testing.T) {
	svc, _ := newMailboxFixture(t)

	_, err := svc.Create(CreateMailboxInput{LocalPart: "bob", Domain: "other.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrDomainNotConfigured)
}

func TestMailboxCreateWeakPassword(t *testing.T) {
	svc, _ := newMailboxFixture(t)

	_, err := svc.Create(CreateMailboxInput{LocalPart: "bob", Domain: "example.com", Password: "short"})
	assert.ErrorIs(t, err, domain.ErrPasswordTooShort)
}

func TestVerifyPassword(t *testing.T) {
	svc, _ := newMailboxFixture(t)

	_, err := svc.Create(CreateMailboxInput{LocalPart: "alice", Domain: "example.com", Password: "correct-horse"})
	require.NoError(t, err)

	assert.NoError(t, svc.VerifyPassword("alice@example.com", "correct-horse"))
	assert.Error(t, svc.VerifyPassword("alice@example.com", "wrong-pass"))
	assert.Error(t, svc.VerifyPassword("nobody@example.com", "correct-horse"))
}

func TestResolveRecipient(t *testing.T) {
	svc, _ := newMailboxFixture(t)

	mb, err := svc.Create(CreateMailboxInput{LocalPart: "alice", Domain: "example.com", Password: "correct-horse"})
	require.NoError(t, err)

	// 直接命中
	got, err := svc.ResolveRecipient("Alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, mb.ID, got.ID)

	// 经由别名
	_, err = svc.CreateAlias(mb.ID, "contact@example.com")
	require.NoError(t, err)
	got, err = svc.ResolveRecipient("contact@example.com")
	require.NoError(t, err)
	assert.Equal(t, mb.ID, got.ID)

	// 未知收件人
	_, err = svc.ResolveRecipient("ghost@example.com")
	assert.ErrorIs(t, err, ErrMailboxNotFound)
}

func TestCreateAliasDuplicate(t *testing.T) {
	svc, _ := newMailboxFixture(t)

	mb, err := svc.Create(CreateMailboxInput{LocalPart: "alice", Domain: "example.com", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = svc.CreateAlias(mb.ID, "contact@example.com")
	require.NoError(t, err)

	// 重复别名不能报成"邮箱已存在"
	_, err = svc.CreateAlias(mb.ID, "contact@example.com")
	assert.ErrorIs(t, err, ErrAliasExists)
	assert.NotErrorIs(t, err, ErrMailboxExists)
}

func TestDeleteMailbox(t *testing.T) {
	svc, _ := newMailboxFixture(t)

	mb, err := svc.Create(CreateMailboxInput{LocalPart: "alice", Domain: "example.com", Password: "correct-horse"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(mb.ID))
	_, err = svc.GetByAddress("alice@example.com")
	assert.ErrorIs(t, err, ErrMailboxNotFound)
}
