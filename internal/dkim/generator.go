package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"time"
)

// 密钥与记录生成参数
const (
	// KeyBits RSA 密钥长度
	KeyBits = 2048
	// SelectorPrefix selector 前缀，完整形式为 mail<unix秒>
	SelectorPrefix = "mail"
)

// Identity 为一个域名生成的全部身份材料。
type Identity struct {
	Selector      string // DKIM selector，按生成时刻派生
	PublicKeyPEM  string // PKIX PEM
	PrivateKeyPEM string // PKCS#1 PEM
	TXTRecord     string // v=DKIM1; k=rsa; p=...
	SPFRecord     string // v=spf1 ...
	MXRecord      string // mail.<domain>
	DMARCRecord   string // v=DMARC1; ...
}

// Generator 生成 DKIM 密钥对并派生 DNS 记录。
// 纯计算加一个随机源，不做任何 I/O。
type Generator struct {
	rand io.Reader
	now  func() time.Time
}

// NewGenerator 创建生成器，使用 crypto/rand 与系统时钟。
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader, now: time.Now}
}

// NewGeneratorWithClock 创建使用指定时钟的生成器（测试用）。
func NewGeneratorWithClock(r io.Reader, now func() time.Time) *Generator {
	return &Generator{rand: r, now: now}
}

// Generate 为域名生成新的密钥对与派生记录。
//
// selector 以生成时刻的 unix 秒派生，同一进程内相邻生成几乎不会冲突；
// 同一秒内配置两个域名理论上可能产生相同 selector，这是已知限制。
// 密钥生成失败对域名创建是致命的，调用方必须回滚部分写入。
func (g *Generator) Generate(domainName, serverIP string) (*Identity, error) {
	key, err := rsa.GenerateKey(g.rand, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	selector := fmt.Sprintf("%s%d", SelectorPrefix, g.now().Unix())

	return &Identity{
		Selector:      selector,
		PublicKeyPEM:  string(pubPEM),
		PrivateKeyPEM: string(privPEM),
		TXTRecord:     TXTRecord(string(pubPEM)),
		SPFRecord:     SPFRecord(serverIP),
		MXRecord:      MXHost(domainName),
		DMARCRecord:   DMARCRecord(domainName),
	}, nil
}

// TXTRecord 由 PEM 公钥派生 DKIM TXT 记录值。
// p= 后是去掉 PEM 头尾与换行后的 base64 公钥。
func TXTRecord(publicKeyPEM string) string {
	p := publicKeyPEM
	p = strings.ReplaceAll(p, "-----BEGIN PUBLIC KEY-----", "")
	p = strings.ReplaceAll(p, "-----END PUBLIC KEY-----", "")
	p = strings.ReplaceAll(p, "\n", "")
	p = strings.TrimSpace(p)
	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", p)
}

// SPFRecord 生成 SPF 记录值，按地址族选择 ip4/ip6。
func SPFRecord(serverIP string) string {
	ipType := "ip4"
	if strings.Contains(serverIP, ":") {
		ipType = "ip6"
	}
	return fmt.Sprintf("v=spf1 mx a %s:%s -all", ipType, serverIP)
}

// MXHost 生成 MX 记录指向的主机名。
func MXHost(domainName string) string {
	return "mail." + strings.ToLower(strings.TrimSpace(domainName))
}

// DMARCRecord 生成建议的 DMARC 记录值。
func DMARCRecord(domainName string) string {
	return fmt.Sprintf("v=DMARC1; p=quarantine; rua=mailto:admin@%s", domainName)
}

// DKIMRecordHost 返回 DKIM TXT 记录的记录名（selector 限定）。
func DKIMRecordHost(selector string) string {
	return selector + "._domainkey"
}

// PublicKeyBase64 提取 TXT 记录里的 p= 值。
func PublicKeyBase64(txtRecord string) string {
	const marker = "p="
	idx := strings.Index(txtRecord, marker)
	if idx < 0 {
		return ""
	}
	rest := txtRecord[idx+len(marker):]
	if end := strings.IndexAny(rest, "; "); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

// ValidatePublicKey 校验 TXT 记录中的公钥确实是合法的 RSA 公钥。
func ValidatePublicKey(txtRecord string) error {
	b64 := PublicKeyBase64(txtRecord)
	if b64 == "" {
		return fmt.Errorf("no p= value in record")
	}
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	if _, ok := pub.(*rsa.PublicKey); !ok {
		return fmt.Errorf("not an rsa public key")
	}
	return nil
}
