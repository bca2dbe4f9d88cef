package domain

import "time"

// MessageStatus 邮件状态。
type MessageStatus string

const (
	// MessageStatusReceived 入站接收成功
	MessageStatusReceived MessageStatus = "received"
	// MessageStatusSent 出站投递已被传输层接受
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed 投递失败
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusQueued 已入队待投递
	MessageStatusQueued MessageStatus = "queued"
)

// Message 表示一次邮件事务（入站或出站各一条）。
//
// 【生命周期】创建一次，之后只允许翻转 IsRead，由用户显式删除。
// 邮件管道在创建之后绝不修改其它字段。
type Message struct {
	ID                string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ProtocolMessageID string        `json:"protocolMessageId" gorm:"type:varchar(500);index"` // SMTP Message-ID 头，入站畸形邮件可能为空
	MailboxID         string        `json:"mailboxId" gorm:"type:varchar(36);index"`          // 本地邮箱ID；入站未知收件人时为空
	From              string        `json:"from" gorm:"column:from_address;type:varchar(255)"`
	To                string        `json:"to" gorm:"column:to_address;type:varchar(255)"`
	Subject           string        `json:"subject" gorm:"type:varchar(500)"`
	Text              string        `json:"text,omitempty" gorm:"type:text"`
	HTML              string        `json:"html,omitempty" gorm:"type:text"`
	Sent              bool          `json:"sent" gorm:"default:false;index"` // true=出站发送，false=入站接收
	IsRead            bool          `json:"isRead" gorm:"default:false;index"`
	Status            MessageStatus `json:"status" gorm:"type:varchar(20);index"`
	HasAttachments    bool          `json:"hasAttachments" gorm:"default:false"`
	CreatedAt         time.Time     `json:"createdAt"`

	Attachments []*Attachment `json:"attachments,omitempty" gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

// Attachment 表示邮件附件。
type Attachment struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID   string `json:"messageId" gorm:"type:varchar(36);index;not null"`
	Filename    string `json:"filename" gorm:"type:varchar(255)"`
	ContentType string `json:"contentType" gorm:"type:varchar(100)"`
	Size        int64  `json:"size"`
	Content     []byte `json:"-"`
}
