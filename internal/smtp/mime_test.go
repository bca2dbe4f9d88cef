package smtp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseMessagePlainText(t *testing.T) {
	raw := crlf(`Message-ID: <abc123@example.com>
From: sender@example.com
To: alice@example.com
Subject: =?UTF-8?B?5L2g5aW9?=
Content-Type: text/plain; charset=utf-8

hello world
`)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)

	// Message-ID 去掉尖括号
	assert.Equal(t, "abc123@example.com", parsed.MessageID)
	assert.Equal(t, "你好", parsed.Subject)
	assert.Equal(t, "sender@example.com", parsed.From)
	assert.Equal(t, "hello world\r\n", parsed.Text)
	assert.Empty(t, parsed.HTML)
	assert.Empty(t, parsed.Attachments)
}

func TestParseMessageWithoutContentType(t *testing.T) {
	raw := crlf(`From: sender@example.com
To: alice@example.com
Subject: bare

just a body
`)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "just a body\r\n", parsed.Text)
}

func TestParseMessageMultipartAlternative(t *testing.T) {
	raw := crlf(`From: sender@example.com
To: alice@example.com
Subject: both bodies
Content-Type: multipart/alternative; boundary="BOUNDARY"

--BOUNDARY
Content-Type: text/plain; charset=utf-8

plain body
--BOUNDARY
Content-Type: text/html; charset=utf-8

<p>html body</p>
--BOUNDARY--
`)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain body", strings.TrimSpace(parsed.Text))
	assert.Equal(t, "<p>html body</p>", strings.TrimSpace(parsed.HTML))
}

func TestParseMessageAttachment(t *testing.T) {
	// "hello" 的 base64
	raw := crlf(`From: sender@example.com
To: alice@example.com
Subject: with attachment
Content-Type: multipart/mixed; boundary="MIXED"

--MIXED
Content-Type: text/plain; charset=utf-8

see attached
--MIXED
Content-Type: application/pdf; name="report.pdf"
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

aGVsbG8=
--MIXED--
`)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "see attached", strings.TrimSpace(parsed.Text))

	require.Len(t, parsed.Attachments, 1)
	att := parsed.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, []byte("hello"), att.Content)
	assert.Equal(t, int64(5), att.Size)
	assert.NotEmpty(t, att.ID)
}

func TestParseMessageQuotedPrintable(t *testing.T) {
	raw := crlf(`From: sender@example.com
To: alice@example.com
Subject: qp
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: quoted-printable

caf=C3=A9
`)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "café", strings.TrimSpace(parsed.Text))
}

func TestParseMessageGBKCharset(t *testing.T) {
	// "你好" 的 GBK 字节经 base64 编码
	raw := crlf(`From: sender@example.com
To: alice@example.com
Subject: gbk
Content-Type: text/plain; charset=gbk
Content-Transfer-Encoding: base64

xOO6ww==
`)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "你好", strings.TrimSpace(parsed.Text))
}

func TestParseMessageMultipartMissingBoundary(t *testing.T) {
	raw := crlf(`From: sender@example.com
Content-Type: multipart/mixed

body
`)

	_, err := ParseMessage(raw)
	assert.Error(t, err)
}

func TestParseMessageGarbage(t *testing.T) {
	_, err := ParseMessage([]byte("not a message at all"))
	assert.Error(t, err)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "alice@example.com", normalizeAddress("<Alice@Example.COM>"))
	assert.Equal(t, "alice@example.com", normalizeAddress("  alice@example.com  "))
}
