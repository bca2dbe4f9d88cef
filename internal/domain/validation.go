package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrPasswordTooShort = errors.New("password too short (min 8 chars)")
	ErrPasswordTooLong  = errors.New("password too long (max 128 chars)")
)

// 验证常量（RFC 5321/5322 长度限制）
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
	MinPasswordLength  = 8
	MaxPasswordLength  = 128
)

var (
	// 本地部分验证
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

	// 域名验证（RFC-1035 标签语法，支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)+$`)
)

// ValidateDomainName 验证域名格式。
// 要求至少包含一个点，每个标签不超过 63 字符。
func ValidateDomainName(name string) error {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return ErrInvalidDomain
	}
	if len(name) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(name) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// ValidateEmailAddress 验证完整邮箱地址。
func ValidateEmailAddress(email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ErrInvalidEmail
	}

	local, dom := parts[0], parts[1]
	if local == "" || len(local) > MaxLocalPartLength {
		return ErrInvalidLocalPart
	}
	if !localPartRegex.MatchString(local) {
		return ErrInvalidLocalPart
	}
	// 不允许连续的特殊字符
	if strings.Contains(local, "..") {
		return ErrInvalidLocalPart
	}
	return ValidateDomainName(dom)
}

// ValidatePassword 验证邮箱账户密码长度。
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// AddressDomain 提取邮箱地址的域名部分，非法地址返回空串。
func AddressDomain(address string) string {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(address)), "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return parts[1]
}
