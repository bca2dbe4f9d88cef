package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage"
)

func seedDomain(t *testing.T, s *Store, name string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.CreateDomainWithIdentity(
		&domain.HostedDomain{ID: name + "-id", Name: name, CreatedAt: now},
		&domain.DomainIdentity{ID: name + "-identity", DomainName: name, DKIMSelector: "mail123", CreatedAt: now},
	)
	require.NoError(t, err)
}

func TestCreateDomainWithIdentity(t *testing.T) {
	s := NewStore()
	seedDomain(t, s, "example.com")

	d, err := s.GetDomainByName("example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d.Name)

	identity, err := s.GetIdentityByDomain("example.com")
	require.NoError(t, err)
	assert.Equal(t, "mail123", identity.DKIMSelector)

	// 重复创建整体失败，不产生部分写入
	err = s.CreateDomainWithIdentity(
		&domain.HostedDomain{ID: "x", Name: "example.com"},
		&domain.DomainIdentity{ID: "y", DomainName: "example.com", DKIMSelector: "other"},
	)
	assert.ErrorIs(t, err, storage.ErrDomainExists)
	identity, err = s.GetIdentityByDomain("example.com")
	require.NoError(t, err)
	assert.Equal(t, "mail123", identity.DKIMSelector)
}

func TestDeleteDomainCascades(t *testing.T) {
	s := NewStore()
	seedDomain(t, s, "example.com")

	require.NoError(t, s.DeleteDomain("example.com"))

	_, err := s.GetDomainByName("example.com")
	assert.ErrorIs(t, err, storage.ErrDomainNotFound)
	_, err = s.GetIdentityByDomain("example.com")
	assert.ErrorIs(t, err, storage.ErrIdentityNotFound)

	assert.ErrorIs(t, s.DeleteDomain("example.com"), storage.ErrDomainNotFound)
}

func TestUpdateIdentityVerification(t *testing.T) {
	s := NewStore()
	seedDomain(t, s, "example.com")

	yes := true
	identity, err := s.UpdateIdentityVerification("example.com", domain.VerificationUpdate{DKIMVerified: &yes})
	require.NoError(t, err)
	assert.True(t, identity.DKIMVerified)
	assert.False(t, identity.SPFVerified) // 未提及的字段保持原值

	_, err = s.UpdateIdentityVerification("ghost.com", domain.VerificationUpdate{DKIMVerified: &yes})
	assert.ErrorIs(t, err, storage.ErrIdentityNotFound)
}

func TestMessageCopySemantics(t *testing.T) {
	s := NewStore()
	msg := &domain.Message{ID: "m1", To: "a@example.com", Subject: "原始标题", CreatedAt: time.Now()}
	require.NoError(t, s.SaveMessage(msg))

	// 调用方修改返回值不能穿透到存储层
	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	got.Subject = "改掉"

	again, err := s.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "原始标题", again.Subject)
}

func TestListMessagesFilterAndPagination(t *testing.T) {
	s := NewStore()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		sent := i%2 == 1
		require.NoError(t, s.SaveMessage(&domain.Message{
			ID:        fmt.Sprintf("m%d", i),
			MailboxID: "mb1",
			To:        "a@example.com",
			Sent:      sent,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.SaveMessage(&domain.Message{
		ID: "other", MailboxID: "mb2", To: "b@example.com", CreatedAt: base,
	}))

	// 新邮件在前
	msgs, total, err := s.ListMessages(storage.MessageFilter{MailboxID: "mb1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m4", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	// 只看入站
	inbound := false
	msgs, total, err = s.ListMessages(storage.MessageFilter{MailboxID: "mb1", Sent: &inbound, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, m := range msgs {
		assert.False(t, m.Sent)
	}

	// 按收件地址，未绑定邮箱的邮件也能查到
	msgs, total, err = s.ListMessages(storage.MessageFilter{ToAddress: "b@example.com", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "other", msgs[0].ID)

	// 越界页返回空切片而非错误
	msgs, total, err = s.ListMessages(storage.MessageFilter{MailboxID: "mb1", Page: 9, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, msgs)
}

func TestMarkMessageRead(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SaveMessage(&domain.Message{ID: "m1", Subject: "hi"}))

	require.NoError(t, s.MarkMessageRead("m1"))
	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.Equal(t, "hi", got.Subject) // 只改已读位

	assert.ErrorIs(t, s.MarkMessageRead("ghost"), storage.ErrMessageNotFound)
}

func TestAliasLifecycle(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SaveMailbox(&domain.Mailbox{ID: "mb1", Address: "alice@example.com", Domain: "example.com"}))
	require.NoError(t, s.SaveAlias(&domain.MailboxAlias{ID: "al1", MailboxID: "mb1", Address: "contact@example.com", IsActive: true}))

	alias, err := s.GetAliasByAddress("contact@example.com")
	require.NoError(t, err)
	assert.Equal(t, "mb1", alias.MailboxID)

	// 别名地址唯一
	err = s.SaveAlias(&domain.MailboxAlias{ID: "al2", MailboxID: "mb1", Address: "contact@example.com"})
	assert.ErrorIs(t, err, storage.ErrAliasExists)

	require.NoError(t, s.DeleteAlias("al1"))
	_, err = s.GetAliasByAddress("contact@example.com")
	assert.ErrorIs(t, err, storage.ErrAliasNotFound)
}
