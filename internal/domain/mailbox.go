package domain

import "time"

// Mailbox 表示托管域名下的一个邮箱账户。
// 【不变量】Address 恒等于 LocalPart@Domain，且在全部托管域名范围内唯一。
type Mailbox struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address      string    `json:"address" gorm:"type:varchar(255);uniqueIndex;not null"`
	LocalPart    string    `json:"localPart" gorm:"type:varchar(255)"`
	Domain       string    `json:"domain" gorm:"type:varchar(255);index"`
	PasswordHash string    `json:"-" gorm:"type:varchar(255)"` // bcrypt 哈希，绝不出现在 JSON 中
	IsActive     bool      `json:"isActive" gorm:"default:true"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// MailboxAlias 表示邮箱别名，发往别名的邮件路由到主邮箱。
type MailboxAlias struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID string    `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	Address   string    `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	IsActive  bool      `json:"isActive" gorm:"default:true"`
	CreatedAt time.Time `json:"createdAt"`
}
