package postfix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
)

func TestRenderMainDeterministic(t *testing.T) {
	identity := &domain.DomainIdentity{MXRecord: "mx.example.com"}

	first := RenderMain("example.com", identity, DefaultLimits)
	second := RenderMain("example.com", identity, DefaultLimits)
	assert.Equal(t, first, second)

	params := ParseMain(first)
	assert.Equal(t, "mx.example.com", params["myhostname"])
	assert.Equal(t, "example.com", params["mydomain"])
	assert.Equal(t, "26214400", params["message_size_limit"])
	assert.Equal(t, "hash:/etc/postfix/virtual_domains", params["virtual_mailbox_domains"])
}

func TestRenderMainHostnameFallback(t *testing.T) {
	// 身份缺失或 MX 未填时退回 mail.<domain>
	params := ParseMain(RenderMain("example.com", nil, DefaultLimits))
	assert.Equal(t, "mail.example.com", params["myhostname"])

	params = ParseMain(RenderMain("example.com", &domain.DomainIdentity{}, DefaultLimits))
	assert.Equal(t, "mail.example.com", params["myhostname"])
}

func TestRenderVirtualSorted(t *testing.T) {
	entries := []VirtualEntry{
		{
			Domain:    "zeta.com",
			Mailboxes: []string{"bob@zeta.com", "alice@zeta.com"},
		},
		{
			Domain:    "alpha.com",
			Mailboxes: []string{"carol@alpha.com"},
			Aliases: map[string]string{
				"sales@alpha.com":   "carol@alpha.com",
				"contact@alpha.com": "carol@alpha.com",
			},
		},
	}

	bundle := RenderVirtual("alpha.com", nil, DefaultLimits, entries)
	require.NotNil(t, bundle)

	// 无论输入顺序如何，输出按域名和地址排序
	assert.Equal(t, "alpha.com\tOK\nzeta.com\tOK\n", bundle.VirtualDomains)
	assert.Equal(t,
		"carol@alpha.com\talpha.com/carol/\nalice@zeta.com\tzeta.com/alice/\nbob@zeta.com\tzeta.com/bob/\n",
		bundle.VirtualMailboxes)
	assert.Equal(t,
		"contact@alpha.com\tcarol@alpha.com\nsales@alpha.com\tcarol@alpha.com\n",
		bundle.VirtualAliases)

	// 重复渲染字节级一致
	assert.Equal(t, bundle, RenderVirtual("alpha.com", nil, DefaultLimits, entries))
}

func TestParseMainRoundTrip(t *testing.T) {
	text := RenderMain("example.com", nil, Limits{MessageSizeLimit: 1024, MailboxSizeLimit: 2048})
	params := ParseMain(text)

	assert.Equal(t, "1024", params["message_size_limit"])
	assert.Equal(t, "2048", params["mailbox_size_limit"])
	// 注释行与空行被忽略
	assert.NotContains(t, params, "# managed by mailforge - manual edits will be overwritten")
}
