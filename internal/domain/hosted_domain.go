package domain

import "time"

// HostedDomain 表示本系统托管的一个邮件域名。
// 域名与其邮件身份（DomainIdentity）一一对应，删除域名时级联删除身份。
type HostedDomain struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"uniqueIndex;type:varchar(255);not null"` // 域名，全小写
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`

	// 一对一关联的邮件身份（级联删除）
	Identity *DomainIdentity `json:"identity,omitempty" gorm:"foreignKey:DomainID;constraint:OnDelete:CASCADE"`
}

// DomainIdentity 表示域名的邮件身份：DKIM 密钥、派生 DNS 记录与验证状态。
//
// 【不变量】
// - 每个 selector 只生成一次密钥，轮换（rotation）产生新 selector，绝不原地重新生成。
// - DKIMPrivateKey 不离开身份存储边界，唯一例外是出站签名步骤。
// - Active 为 false 时必须拒绝发信。
type DomainIdentity struct {
	ID         string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DomainID   string `json:"domainId" gorm:"uniqueIndex;type:varchar(36);not null"`
	DomainName string `json:"domainName" gorm:"uniqueIndex;type:varchar(255);not null"`

	// DKIM 密钥材料（RSA-2048，PEM 编码）
	DKIMSelector   string `json:"dkimSelector" gorm:"type:varchar(64);not null"`
	DKIMPublicKey  string `json:"dkimPublicKey" gorm:"type:text"`
	DKIMPrivateKey string `json:"-" gorm:"type:text"` // 私钥不出现在 JSON 中

	// 派生的 DNS 记录
	DKIMTxtRecord string `json:"dkimTxtRecord" gorm:"type:text"`       // v=DKIM1; k=rsa; p=...
	SPFRecord     string `json:"spfRecord" gorm:"type:varchar(500)"`   // v=spf1 ...
	MXRecord      string `json:"mxRecord" gorm:"type:varchar(255)"`    // mail.<domain>
	DMARCRecord   string `json:"dmarcRecord" gorm:"type:varchar(500)"` // v=DMARC1; ...

	// 验证状态（只能由验证器或显式人工覆盖设置）
	DKIMVerified bool `json:"dkimVerified" gorm:"default:false"`
	SPFVerified  bool `json:"spfVerified" gorm:"default:false"`
	MXVerified   bool `json:"mxVerified" gorm:"default:false"`
	Active       bool `json:"active" gorm:"default:false;index"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"autoUpdateTime"`
	RotatedAt *time.Time `json:"rotatedAt,omitempty"` // 最近一次密钥轮换时间
}

// VerificationUpdate 部分更新验证状态的输入。
// 为 nil 的字段保持原值不变。
type VerificationUpdate struct {
	DKIMVerified *bool `json:"dkimVerified,omitempty"`
	SPFVerified  *bool `json:"spfVerified,omitempty"`
	MXVerified   *bool `json:"mxVerified,omitempty"`
	Active       *bool `json:"active,omitempty"`
}

// SetupInstructions 创建域名后返回的 DNS 配置说明。
type SetupInstructions struct {
	Domain string             `json:"domain"`
	Steps  []SetupInstruction `json:"steps"`
}

// SetupInstruction 单条 DNS 记录配置说明。
type SetupInstruction struct {
	RecordType string `json:"recordType"` // TXT / MX
	Host       string `json:"host"`       // 记录名，例如 mail1700000000._domainkey
	Value      string `json:"value"`
	Purpose    string `json:"purpose"` // dkim / spf / mx / dmarc
}
