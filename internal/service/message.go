package service

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage"
)

// ErrMessageNotFound 邮件不存在
var ErrMessageNotFound = errors.New("message not found")

// MessageService 封装邮件记录的业务逻辑。
// 记录由入站/出站管道创建，创建后只允许翻转已读标记。
type MessageService struct {
	store storage.MessageRepository
}

// NewMessageService 创建邮件业务服务
func NewMessageService(store storage.MessageRepository) *MessageService {
	return &MessageService{store: store}
}

// CreateMessageInput 定义创建邮件的输入
type CreateMessageInput struct {
	ProtocolMessageID string
	MailboxID         string // 入站未知收件人时为空
	From              string
	To                string
	Subject           string
	Text              string
	HTML              string
	Sent              bool
	Status            domain.MessageStatus
	Attachments       []*domain.Attachment
}

// Create 新建一条邮件记录
func (s *MessageService) Create(input CreateMessageInput) (*domain.Message, error) {
	message := &domain.Message{
		ID:                uuid.NewString(),
		ProtocolMessageID: input.ProtocolMessageID,
		MailboxID:         input.MailboxID,
		From:              input.From,
		To:                input.To,
		Subject:           input.Subject,
		Text:              input.Text,
		HTML:              input.HTML,
		Sent:              input.Sent,
		Status:            input.Status,
		HasAttachments:    len(input.Attachments) > 0,
		CreatedAt:         time.Now().UTC(),
	}

	for _, att := range input.Attachments {
		if att == nil {
			continue
		}
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		if att.Size == 0 {
			att.Size = int64(len(att.Content))
		}
		att.MessageID = message.ID
		message.Attachments = append(message.Attachments, att)
	}

	if err := s.store.SaveMessage(message); err != nil {
		return nil, err
	}
	return message, nil
}

// Get 获取单封邮件详情
func (s *MessageService) Get(id string) (*domain.Message, error) {
	message, err := s.store.GetMessage(id)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, ErrMessageNotFound
	}
	return message, err
}

// List 按条件分页列出邮件
func (s *MessageService) List(filter storage.MessageFilter) ([]domain.Message, int, error) {
	return s.store.ListMessages(filter)
}

// MarkRead 将邮件标记为已读
func (s *MessageService) MarkRead(id string) error {
	err := s.store.MarkMessageRead(id)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return ErrMessageNotFound
	}
	return err
}

// Delete 删除指定邮件
func (s *MessageService) Delete(id string) error {
	err := s.store.DeleteMessage(id)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return ErrMessageNotFound
	}
	return err
}
