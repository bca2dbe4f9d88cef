package httptransport

import (
	"mailforge/backend/internal/sender"
	"mailforge/backend/internal/service"
	"mailforge/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 提示消息）
var errorMessages = map[error]string{
	// 域名身份错误
	service.ErrInvalidDomainName:   "域名格式无效",
	service.ErrDomainNotConfigured: "域名未配置",
	service.ErrDomainInactive:      "域名未激活",
	storage.ErrDomainNotFound:      "域名不存在",
	storage.ErrDomainExists:        "域名已存在",
	storage.ErrIdentityNotFound:    "域名身份不存在",

	// 邮箱错误
	storage.ErrMailboxNotFound: "邮箱不存在",
	storage.ErrMailboxExists:   "邮箱已存在",
	storage.ErrAliasNotFound:   "别名不存在",
	storage.ErrAliasExists:     "别名已存在",
	service.ErrAliasExists:     "别名已存在",

	// 邮件错误
	storage.ErrMessageNotFound: "邮件不存在",

	// 发信错误
	sender.ErrUnknownSender: "发件地址不是本系统的邮箱",
}

// GetErrorMessage 获取错误的提示消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)
