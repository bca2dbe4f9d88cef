package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailforge/backend/internal/dnscheck"
)

// ErrReportNotCached 表示缓存中没有对应域名的检测报告
var ErrReportNotCached = errors.New("dns report not cached")

// ReportCache DNS 检测报告的 Redis 缓存。
// DNS 查询慢且结果在 TTL 内基本不变，缓存避免反复触发外部解析。
type ReportCache struct {
	client *Client
	ttl    time.Duration
}

// NewReportCache 创建检测报告缓存
func NewReportCache(client *Client, ttl time.Duration) *ReportCache {
	return &ReportCache{client: client, ttl: ttl}
}

func reportKey(domainName string) string {
	return fmt.Sprintf("dnscheck:report:%s", domainName)
}

// PutReport 缓存一份检测报告
func (c *ReportCache) PutReport(ctx context.Context, report *dnscheck.DomainReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.client.Client().Set(ctx, reportKey(report.Domain), data, c.ttl).Err()
}

// GetReport 读取缓存的检测报告，未命中返回 ErrReportNotCached
func (c *ReportCache) GetReport(ctx context.Context, domainName string) (*dnscheck.DomainReport, error) {
	data, err := c.client.Client().Get(ctx, reportKey(domainName)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrReportNotCached
		}
		return nil, err
	}

	var report dnscheck.DomainReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// InvalidateReport 删除缓存的检测报告（密钥轮换后调用）
func (c *ReportCache) InvalidateReport(ctx context.Context, domainName string) error {
	return c.client.Client().Del(ctx, reportKey(domainName)).Err()
}
