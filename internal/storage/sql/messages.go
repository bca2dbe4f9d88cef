package sql

import (
	"errors"

	"gorm.io/gorm"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage"
)

// ========== Message Repository ==========

// SaveMessage 写入一条邮件记录（连同附件，单事务）。
// 每条插入独立原子可见，并发入站会话互不影响。
func (s *Store) SaveMessage(message *domain.Message) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(message).Error
	})
}

// GetMessage 获取单封邮件（含附件元数据）
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.Preload("Attachments").Where("id = ?", id).First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// ListMessages 按条件分页列出邮件
func (s *Store) ListMessages(filter storage.MessageFilter) ([]domain.Message, int, error) {
	q := s.db.Model(&domain.Message{})
	if filter.MailboxID != "" {
		q = q.Where("mailbox_id = ?", filter.MailboxID)
	}
	if filter.ToAddress != "" {
		q = q.Where("to_address = ?", filter.ToAddress)
	}
	if filter.Sent != nil {
		q = q.Where("sent = ?", *filter.Sent)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	var out []domain.Message
	err := q.Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

// MarkMessageRead 将邮件置为已读。
// 这是邮件创建后唯一允许的字段修改。
func (s *Store) MarkMessageRead(id string) error {
	res := s.db.Model(&domain.Message{}).Where("id = ?", id).Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// DeleteMessage 删除邮件，附件随外键级联删除
func (s *Store) DeleteMessage(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&domain.Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrMessageNotFound
		}
		return tx.Where("message_id = ?", id).Delete(&domain.Attachment{}).Error
	})
}
