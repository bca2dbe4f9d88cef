package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// SMTPConfig 定义入站 SMTP 接收服务器的配置
type SMTPConfig struct {
	BindAddr       string        // 监听地址，格式 "host:port"，默认 ":25"
	Hostname       string        // HELO/EHLO 响应使用的主机名
	MaxMessageSize int64         // 单封邮件最大字节数，超限在缓冲完成前拒绝
	MaxRecipients  int           // 单次事务最大收件人数
	MaxConnections int           // 最大并发连接数
	ConnRate       int           // 每秒最大新建连接数
	ReadTimeout    time.Duration // 会话读超时
	WriteTimeout   time.Duration // 会话写超时
}

// OutboundConfig 定义出站中继（本地 Postfix / relay MTA）配置
type OutboundConfig struct {
	RelayAddr string        // 中继地址，格式 "host:port"，默认 "localhost:25"
	Timeout   time.Duration // 投递超时
}

// PostfixConfig 定义 Postfix 配置合成器的文件路径
type PostfixConfig struct {
	MainConfigPath   string // main.cf 路径
	VirtualDomains   string // 虚拟域名列表文件路径
	VirtualMailboxes string // 虚拟邮箱映射文件路径
	VirtualAliases   string // 虚拟别名映射文件路径
	BackupDir        string // 应用配置前的备份目录
}

// DNSConfig 定义 DNS/端口验证器配置
type DNSConfig struct {
	Resolver     string        // 自定义 resolver 地址，留空使用系统默认
	Timeout      time.Duration // 单次查询超时
	CacheTTL     time.Duration // 验证结果缓存时间
	ServerIP     string        // 对外公布的服务器 IP，用于 SPF/A 记录派生
	RecheckEvery time.Duration // 后台重新验证周期，0 表示禁用
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空输出到 stdout
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置（用于 DNS 验证结果缓存，可选）
type RedisConfig struct {
	Address  string // Redis 服务地址，留空禁用缓存
	Password string // Redis 认证密码
	DB       int    // Redis 数据库编号
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置。
// 字段逐项显式更新，不做任意 JSON 深合并。
type Config struct {
	Server   ServerConfig
	SMTP     SMTPConfig
	Outbound OutboundConfig
	Postfix  PostfixConfig
	DNS      DNSConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILFORGE_
// 例如: MAILFORGE_SERVER_HOST, MAILFORGE_SMTP_BIND_ADDR
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("mailforge")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("smtp.bind_addr", ":25")
	viper.SetDefault("smtp.hostname", "mail.localhost")
	viper.SetDefault("smtp.max_message_size", 10*1024*1024)
	viper.SetDefault("smtp.max_recipients", 50)
	viper.SetDefault("smtp.max_connections", 200)
	viper.SetDefault("smtp.conn_rate", 50)
	viper.SetDefault("smtp.read_timeout", "1m")
	viper.SetDefault("smtp.write_timeout", "1m")
	viper.SetDefault("outbound.relay_addr", "localhost:25")
	viper.SetDefault("outbound.timeout", "30s")
	viper.SetDefault("postfix.main_config_path", "/etc/postfix/main.cf")
	viper.SetDefault("postfix.virtual_domains", "/etc/postfix/virtual_domains")
	viper.SetDefault("postfix.virtual_mailboxes", "/etc/postfix/virtual_mailboxes")
	viper.SetDefault("postfix.virtual_aliases", "/etc/postfix/virtual_aliases")
	viper.SetDefault("postfix.backup_dir", "/etc/postfix/backup")
	viper.SetDefault("dns.resolver", "")
	viper.SetDefault("dns.timeout", "5s")
	viper.SetDefault("dns.cache_ttl", "5m")
	viper.SetDefault("dns.server_ip", "")
	viper.SetDefault("dns.recheck_every", "0")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	maxMessageSize := viper.GetInt64("smtp.max_message_size")
	if maxMessageSize <= 0 {
		return nil, fmt.Errorf("smtp.max_message_size must be positive")
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			BindAddr:       viper.GetString("smtp.bind_addr"),
			Hostname:       viper.GetString("smtp.hostname"),
			MaxMessageSize: maxMessageSize,
			MaxRecipients:  viper.GetInt("smtp.max_recipients"),
			MaxConnections: viper.GetInt("smtp.max_connections"),
			ConnRate:       viper.GetInt("smtp.conn_rate"),
			ReadTimeout:    duration("smtp.read_timeout", time.Minute),
			WriteTimeout:   duration("smtp.write_timeout", time.Minute),
		},
		Outbound: OutboundConfig{
			RelayAddr: viper.GetString("outbound.relay_addr"),
			Timeout:   duration("outbound.timeout", 30*time.Second),
		},
		Postfix: PostfixConfig{
			MainConfigPath:   viper.GetString("postfix.main_config_path"),
			VirtualDomains:   viper.GetString("postfix.virtual_domains"),
			VirtualMailboxes: viper.GetString("postfix.virtual_mailboxes"),
			VirtualAliases:   viper.GetString("postfix.virtual_aliases"),
			BackupDir:        viper.GetString("postfix.backup_dir"),
		},
		DNS: DNSConfig{
			Resolver:     viper.GetString("dns.resolver"),
			Timeout:      duration("dns.timeout", 5*time.Second),
			CacheTTL:     duration("dns.cache_ttl", 5*time.Minute),
			ServerIP:     viper.GetString("dns.server_ip"),
			RecheckEvery: duration("dns.recheck_every", 0),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: duration("database.conn_max_lifetime", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
	}

	return cfg, nil
}

// duration 读取 duration 配置项，解析失败时回落到默认值
func duration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil {
		return fallback
	}
	return d
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
