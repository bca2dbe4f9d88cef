// Package postfix 生成并下发 Postfix 配置。
// 渲染是纯函数，给定相同输入产出字节级相同的配置文本；
// 落盘与服务重载由 Applier 串行执行。
package postfix

import (
	"fmt"
	"sort"
	"strings"

	"mailforge/backend/internal/domain"
)

// Limits 写进 main.cf 的容量限制
type Limits struct {
	MessageSizeLimit int64
	MailboxSizeLimit int64
}

// DefaultLimits Postfix 默认值的显式化
var DefaultLimits = Limits{
	MessageSizeLimit: 25 * 1024 * 1024,
	MailboxSizeLimit: 100 * 1024 * 1024,
}

// ConfigBundle 一次下发涉及的全部配置文件内容
type ConfigBundle struct {
	MainCF           string
	VirtualDomains   string
	VirtualMailboxes string
	VirtualAliases   string
}

// VirtualEntry 一个托管域名的虚拟投递条目
type VirtualEntry struct {
	Domain    string
	Mailboxes []string          // 完整地址 user@domain
	Aliases   map[string]string // 别名地址 -> 目标地址
}

// RenderMain 渲染单域名的 main.cf。
// 输出是确定性的：键按固定顺序排列，不含时间戳或随机内容，
// 因此可以安全地做文本对比判断配置是否需要更新。
func RenderMain(domainName string, identity *domain.DomainIdentity, limits Limits) string {
	hostname := "mail." + domainName
	if identity != nil && identity.MXRecord != "" {
		hostname = identity.MXRecord
	}

	var b strings.Builder
	writeKV := func(key, value string) {
		fmt.Fprintf(&b, "%s = %s\n", key, value)
	}

	b.WriteString("# managed by mailforge - manual edits will be overwritten\n")
	writeKV("myhostname", hostname)
	writeKV("mydomain", domainName)
	writeKV("myorigin", "$mydomain")
	writeKV("mydestination", "localhost")
	writeKV("inet_interfaces", "all")
	writeKV("inet_protocols", "ipv4")
	writeKV("smtpd_banner", "$myhostname ESMTP")
	writeKV("message_size_limit", fmt.Sprintf("%d", limits.MessageSizeLimit))
	writeKV("mailbox_size_limit", fmt.Sprintf("%d", limits.MailboxSizeLimit))
	writeKV("virtual_mailbox_domains", "hash:/etc/postfix/virtual_domains")
	writeKV("virtual_mailbox_maps", "hash:/etc/postfix/virtual_mailboxes")
	writeKV("virtual_alias_maps", "hash:/etc/postfix/virtual_aliases")
	writeKV("smtpd_helo_required", "yes")
	writeKV("disable_vrfy_command", "yes")
	writeKV("smtpd_recipient_restrictions", strings.Join([]string{
		"permit_mynetworks",
		"reject_unauth_destination",
		"reject_invalid_hostname",
		"reject_non_fqdn_sender",
	}, ", "))
	return b.String()
}

// RenderVirtual 渲染多域名虚拟投递配置。
// primary 作为 main.cf 的 mydomain；条目按域名和地址排序保证确定性。
func RenderVirtual(primary string, identity *domain.DomainIdentity, limits Limits, entries []VirtualEntry) *ConfigBundle {
	sorted := make([]VirtualEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Domain < sorted[j].Domain })

	var domains, mailboxes, aliases strings.Builder
	for _, entry := range sorted {
		fmt.Fprintf(&domains, "%s\tOK\n", entry.Domain)

		addrs := make([]string, len(entry.Mailboxes))
		copy(addrs, entry.Mailboxes)
		sort.Strings(addrs)
		for _, addr := range addrs {
			local, _, found := strings.Cut(addr, "@")
			if !found {
				continue
			}
			fmt.Fprintf(&mailboxes, "%s\t%s/%s/\n", addr, entry.Domain, local)
		}

		aliasAddrs := make([]string, 0, len(entry.Aliases))
		for alias := range entry.Aliases {
			aliasAddrs = append(aliasAddrs, alias)
		}
		sort.Strings(aliasAddrs)
		for _, alias := range aliasAddrs {
			fmt.Fprintf(&aliases, "%s\t%s\n", alias, entry.Aliases[alias])
		}
	}

	return &ConfigBundle{
		MainCF:           RenderMain(primary, identity, limits),
		VirtualDomains:   domains.String(),
		VirtualMailboxes: mailboxes.String(),
		VirtualAliases:   aliases.String(),
	}
}

// ParseMain 从渲染的 main.cf 文本里读回关键参数。
// 用于校验已部署配置与期望配置是否一致。
func ParseMain(text string) map[string]string {
	params := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}
