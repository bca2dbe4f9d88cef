// Package cache 进程内缓存实现。
// 没配置 Redis 的单机部署用它缓存 DNS 检测报告。
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailforge/backend/internal/dnscheck"
)

// errNotCached 缓存未命中
var errNotCached = errors.New("dns report not cached")

type reportEntry struct {
	report    *dnscheck.DomainReport
	expiresAt time.Time
}

// ReportCache 带 TTL 的进程内检测报告缓存。
// 读多写少，用 sync.Map 避免读锁竞争；过期条目由后台协程定期清理。
type ReportCache struct {
	data sync.Map
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

// NewReportCache 创建进程内报告缓存
func NewReportCache(ttl time.Duration) *ReportCache {
	c := &ReportCache{
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// GetReport 读取缓存报告，未命中或已过期返回错误
func (c *ReportCache) GetReport(_ context.Context, domainName string) (*dnscheck.DomainReport, error) {
	val, ok := c.data.Load(domainName)
	if !ok {
		return nil, errNotCached
	}
	entry := val.(*reportEntry)
	if time.Now().After(entry.expiresAt) {
		c.data.Delete(domainName)
		return nil, errNotCached
	}
	return entry.report, nil
}

// PutReport 缓存一份检测报告
func (c *ReportCache) PutReport(_ context.Context, report *dnscheck.DomainReport) error {
	c.data.Store(report.Domain, &reportEntry{
		report:    report,
		expiresAt: time.Now().Add(c.ttl),
	})
	return nil
}

// InvalidateReport 删除缓存的检测报告
func (c *ReportCache) InvalidateReport(_ context.Context, domainName string) error {
	c.data.Delete(domainName)
	return nil
}

// Close 停止后台清理协程
func (c *ReportCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *ReportCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.data.Range(func(key, val interface{}) bool {
				if now.After(val.(*reportEntry).expiresAt) {
					c.data.Delete(key)
				}
				return true
			})
		}
	}
}
