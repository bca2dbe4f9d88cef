// Package dnscheck 对托管域名做 DNS 配置体检和端口连通性探测。
// 所有检查只读外部状态，绝不回写域名身份记录。
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
)

// CheckStatus 单项检查的结论
type CheckStatus string

const (
	// StatusOK 记录存在且形态正确
	StatusOK CheckStatus = "ok"
	// StatusMissing 查询成功但没有找到期望的记录
	StatusMissing CheckStatus = "missing"
	// StatusError 查询本身失败（超时等，NXDOMAIN 不算）
	StatusError CheckStatus = "error"
)

// conventionalSelectors DKIM 探测的常见选择器集合。
// 实际部署的选择器由调用方额外传入，这个集合覆盖主流服务商的默认值。
var conventionalSelectors = []string{
	"default", "mail", "dkim", "selector1", "selector2", "google", "k1",
}

// CheckResult 单项 DNS 检查结果
type CheckResult struct {
	Status  CheckStatus `json:"status"`
	Records []string    `json:"records,omitempty"`
	Err     string      `json:"error,omitempty"`
}

// Passed 该项检查是否通过
func (r CheckResult) Passed() bool { return r.Status == StatusOK }

// Conclusive 该项检查是否得出了结论。
// 查询本身失败（超时、解析器不可达）不算结论，记录存在与否未知。
func (r CheckResult) Conclusive() bool { return r.Status == StatusOK || r.Status == StatusMissing }

// DomainReport 一次完整域名体检的报告。
// 五项检查相互独立，单项失败不影响其余检查执行。
type DomainReport struct {
	Domain      string      `json:"domain"`
	MX          CheckResult `json:"mx"`
	SPF         CheckResult `json:"spf"`
	DKIM        CheckResult `json:"dkim"`
	DMARC       CheckResult `json:"dmarc"`
	PTR         CheckResult `json:"ptr"`
	HealthScore int         `json:"health_score"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// VerificationUpdate 把报告折算成可回写的域名验证标记。
// 只有得出结论的检查项产生标记：查询失败的项留空不回写，
// 一次解析器故障不会把已验证的域名打回未验证。
func (r *DomainReport) VerificationUpdate() domain.VerificationUpdate {
	var upd domain.VerificationUpdate
	if r.DKIM.Conclusive() {
		v := r.DKIM.Passed()
		upd.DKIMVerified = &v
	}
	if r.SPF.Conclusive() {
		v := r.SPF.Passed()
		upd.SPFVerified = &v
	}
	if r.MX.Conclusive() {
		v := r.MX.Passed()
		upd.MXVerified = &v
	}
	return upd
}

// ReportCache 检测报告缓存。读取错误一律当缓存未命中处理。
type ReportCache interface {
	GetReport(ctx context.Context, domainName string) (*DomainReport, error)
	PutReport(ctx context.Context, report *DomainReport) error
	InvalidateReport(ctx context.Context, domainName string) error
}

// ReachabilityOracle 回答"从公网能否连到本机某端口"。
// 这需要一个外部探测点，不在本模块内实现；未注入时端口检查退化为本地拨号。
type ReachabilityOracle interface {
	Reach(ctx context.Context, address string) error
}

// Checker DNS 与端口检查器
type Checker struct {
	resolver *net.Resolver
	timeout  time.Duration
	serverIP string
	cache    ReportCache
	oracle   ReachabilityOracle
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// Option Checker 的可选配置
type Option func(*Checker)

// WithResolver 使用指定 DNS 服务器（addr 形如 "8.8.8.8:53"）
func WithResolver(addr string) Option {
	return func(c *Checker) {
		if addr == "" {
			return
		}
		c.resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: c.timeout}
				return d.DialContext(ctx, network, addr)
			},
		}
	}
}

// WithCache 启用检测报告缓存
func WithCache(cache ReportCache) Option {
	return func(c *Checker) { c.cache = cache }
}

// WithOracle 注入公网可达性探测器
func WithOracle(oracle ReachabilityOracle) Option {
	return func(c *Checker) { c.oracle = oracle }
}

// WithMetrics 上报每次实际检查的结果与耗时。缓存命中不计入。
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

// NewChecker 创建检查器。serverIP 为空时跳过 PTR 检查。
func NewChecker(serverIP string, timeout time.Duration, log *zap.Logger, opts ...Option) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Checker{
		resolver: net.DefaultResolver,
		timeout:  timeout,
		serverIP: serverIP,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckDomain 对域名执行全套 DNS 检查。
// extraSelectors 是已知部署的 DKIM 选择器（比如该域名身份记录里的选择器），
// 会在常见选择器集合之前探测。
//
// 命中缓存时直接返回缓存报告，不重新发起查询。
func (c *Checker) CheckDomain(ctx context.Context, domainName string, extraSelectors ...string) *DomainReport {
	if c.cache != nil {
		if report, err := c.cache.GetReport(ctx, domainName); err == nil {
			return report
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	report := &DomainReport{
		Domain:    domainName,
		CheckedAt: start.UTC(),
	}

	report.MX = c.checkMX(ctx, domainName)
	report.SPF = c.checkSPF(ctx, domainName)
	report.DKIM = c.checkDKIM(ctx, domainName, extraSelectors)
	report.DMARC = c.checkDMARC(ctx, domainName)

	attempted := 4
	if c.serverIP != "" {
		report.PTR = c.checkPTR(ctx)
		attempted++
	}

	passed := 0
	for _, r := range []CheckResult{report.MX, report.SPF, report.DKIM, report.DMARC, report.PTR} {
		if r.Passed() {
			passed++
		}
	}
	report.HealthScore = int(math.Round(100 * float64(passed) / float64(attempted)))

	if c.metrics != nil {
		results := map[string]string{
			"mx":    string(report.MX.Status),
			"spf":   string(report.SPF.Status),
			"dkim":  string(report.DKIM.Status),
			"dmarc": string(report.DMARC.Status),
		}
		if c.serverIP != "" {
			results["ptr"] = string(report.PTR.Status)
		}
		c.metrics.RecordVerifierReport(results, time.Since(start))
	}

	if c.cache != nil {
		if err := c.cache.PutReport(ctx, report); err != nil {
			c.log.Warn("failed to cache dns report",
				zap.String("domain", domainName),
				zap.Error(err),
			)
		}
	}

	return report
}

// InvalidateCache 丢弃域名的缓存报告。密钥轮换或记录更新后调用，
// 让下一次检查反映最新 DNS 状态。
func (c *Checker) InvalidateCache(ctx context.Context, domainName string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateReport(ctx, domainName); err != nil {
		c.log.Warn("failed to invalidate dns report cache",
			zap.String("domain", domainName),
			zap.Error(err),
		)
	}
}

// checkMX 域名至少要有一条 MX 记录
func (c *Checker) checkMX(ctx context.Context, domainName string) CheckResult {
	records, err := c.resolver.LookupMX(ctx, domainName)
	if err != nil {
		return lookupFailure(err)
	}
	if len(records) == 0 {
		return CheckResult{Status: StatusMissing}
	}
	values := make([]string, 0, len(records))
	for _, mx := range records {
		values = append(values, fmt.Sprintf("%s (priority %d)", strings.TrimSuffix(mx.Host, "."), mx.Pref))
	}
	return CheckResult{Status: StatusOK, Records: values}
}

// checkSPF 根域 TXT 中需要一条 v=spf1 记录
func (c *Checker) checkSPF(ctx context.Context, domainName string) CheckResult {
	return c.checkTXTPrefix(ctx, domainName, "v=spf1")
}

// checkDMARC _dmarc 子域 TXT 中需要一条 v=DMARC1 记录
func (c *Checker) checkDMARC(ctx context.Context, domainName string) CheckResult {
	return c.checkTXTPrefix(ctx, "_dmarc."+domainName, "v=DMARC1")
}

// checkDKIM 依次探测给定选择器和常见选择器，任一命中即通过
func (c *Checker) checkDKIM(ctx context.Context, domainName string, extraSelectors []string) CheckResult {
	selectors := make([]string, 0, len(extraSelectors)+len(conventionalSelectors))
	selectors = append(selectors, extraSelectors...)
	selectors = append(selectors, conventionalSelectors...)

	var lastErr error
	for _, selector := range selectors {
		if selector == "" {
			continue
		}
		host := selector + "._domainkey." + domainName
		records, err := c.resolver.LookupTXT(ctx, host)
		if err != nil {
			if !isNotFound(err) {
				lastErr = err
			}
			continue
		}
		for _, txt := range records {
			if strings.HasPrefix(strings.TrimSpace(txt), "v=DKIM1") {
				return CheckResult{
					Status:  StatusOK,
					Records: []string{fmt.Sprintf("%s: %s", host, txt)},
				}
			}
		}
	}

	if lastErr != nil {
		return lookupFailure(lastErr)
	}
	return CheckResult{Status: StatusMissing}
}

// checkPTR 服务器 IP 的反向解析必须有结果，否则很多收件方会拒收
func (c *Checker) checkPTR(ctx context.Context) CheckResult {
	names, err := c.resolver.LookupAddr(ctx, c.serverIP)
	if err != nil {
		return lookupFailure(err)
	}
	if len(names) == 0 {
		return CheckResult{Status: StatusMissing}
	}
	values := make([]string, 0, len(names))
	for _, name := range names {
		values = append(values, strings.TrimSuffix(name, "."))
	}
	return CheckResult{Status: StatusOK, Records: values}
}

func (c *Checker) checkTXTPrefix(ctx context.Context, host, prefix string) CheckResult {
	records, err := c.resolver.LookupTXT(ctx, host)
	if err != nil {
		return lookupFailure(err)
	}
	for _, txt := range records {
		if strings.HasPrefix(strings.TrimSpace(txt), prefix) {
			return CheckResult{Status: StatusOK, Records: []string{txt}}
		}
	}
	return CheckResult{Status: StatusMissing}
}

// lookupFailure 把解析错误归类：NXDOMAIN 属于"记录缺失"而非查询故障
func lookupFailure(err error) CheckResult {
	if isNotFound(err) {
		return CheckResult{Status: StatusMissing}
	}
	return CheckResult{Status: StatusError, Err: err.Error()}
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}
