package dnscheck

import (
	"context"
	"fmt"
	"net"
	"time"
)

// 邮件服务关心的端口集合
var wellKnownMailPorts = map[int]string{
	25:  "smtp",
	465: "smtps",
	587: "submission",
	993: "imaps",
	995: "pop3s",
}

// PortResult 端口探测结果
type PortResult struct {
	Port      int       `json:"port"`
	Service   string    `json:"service,omitempty"`
	Open      bool      `json:"open"`
	LatencyMS int64     `json:"latency_ms"`
	Err       string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// CheckPort 探测本机端口是否可连接。
// 注入了 ReachabilityOracle 时走公网探测，否则本地拨号——
// 本地拨号只能证明进程在监听，不能证明公网可达（云厂商普遍封 25 端口出入站）。
func (c *Checker) CheckPort(ctx context.Context, port int) *PortResult {
	result := &PortResult{
		Port:      port,
		Service:   wellKnownMailPorts[port],
		CheckedAt: time.Now().UTC(),
	}

	address := fmt.Sprintf("127.0.0.1:%d", port)
	if c.serverIP != "" {
		address = net.JoinHostPort(c.serverIP, fmt.Sprintf("%d", port))
	}

	start := time.Now()
	var err error
	if c.oracle != nil {
		err = c.oracle.Reach(ctx, address)
	} else {
		err = localDial(ctx, address, c.timeout)
	}
	result.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		result.Err = err.Error()
		return result
	}
	result.Open = true
	return result
}

func localDial(ctx context.Context, address string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}
