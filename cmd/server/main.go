// mailforge server: HTTP API + 入站 SMTP + 后台域名复检。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailforge/backend/internal/cache"
	"mailforge/backend/internal/config"
	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/dnscheck"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/health"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/pool"
	"mailforge/backend/internal/postfix"
	"mailforge/backend/internal/sender"
	"mailforge/backend/internal/service"
	smtpserver "mailforge/backend/internal/smtp"
	"mailforge/backend/internal/storage"
	"mailforge/backend/internal/storage/memory"
	redisstore "mailforge/backend/internal/storage/redis"
	sqlstore "mailforge/backend/internal/storage/sql"
	httptransport "mailforge/backend/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   100,
		MaxBackups:  3,
		MaxAgeDays:  28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting mailforge server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 存储层：配置了数据库就用 SQL，否则退回内存实现（仅开发用）
	var store storage.Store
	var sqlStore *sqlstore.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		sqlStore, err = sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		store = sqlStore
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Warn("using in-memory storage, data will not survive restarts")
	}
	defer store.Close()

	metrics := monitoring.NewMetrics()

	// DNS 检测报告缓存：配置了 Redis 用 Redis，否则退回进程内缓存
	var redisClient *redisstore.Client
	checkerOpts := []dnscheck.Option{
		dnscheck.WithResolver(cfg.DNS.Resolver),
		dnscheck.WithMetrics(metrics),
	}
	if cfg.DNS.CacheTTL > 0 {
		if cfg.Redis.Address != "" {
			redisClient, err = redisstore.New(&cfg.Redis, log)
			if err != nil {
				log.Warn("redis unavailable, falling back to in-process dns report cache", zap.Error(err))
			}
		}
		if redisClient != nil {
			defer redisClient.Close()
			checkerOpts = append(checkerOpts,
				dnscheck.WithCache(redisstore.NewReportCache(redisClient, cfg.DNS.CacheTTL)))
		} else {
			localCache := cache.NewReportCache(cfg.DNS.CacheTTL)
			defer localCache.Close()
			checkerOpts = append(checkerOpts, dnscheck.WithCache(localCache))
		}
	}

	checker := dnscheck.NewChecker(cfg.DNS.ServerIP, cfg.DNS.Timeout, log, checkerOpts...)
	healthChecker := health.NewHealthChecker(store, redisClient, log)

	// 服务层
	identityService := service.NewIdentityService(store, dkim.NewGenerator(), cfg.DNS.ServerIP, metrics, log)
	mailboxService := service.NewMailboxService(store)
	messageService := service.NewMessageService(store)
	mailSender := sender.New(identityService, mailboxService, messageService, cfg.Outbound, metrics, log)
	applier := postfix.NewApplier(cfg.Postfix, postfix.ExecControl{}, metrics, log)

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:          cfg,
		IdentityService: identityService,
		MailboxService:  mailboxService,
		MessageService:  messageService,
		Sender:          mailSender,
		Checker:         checker,
		Applier:         applier,
		PostfixLimits:   postfix.DefaultLimits,
		Health:          healthChecker,
		Metrics:         metrics,
		Logger:          log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 服务器
	limiter := smtpserver.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.ConnRate)
	smtpBackend := smtpserver.NewBackend(
		mailboxService, messageService, identityService,
		metrics, log, cfg.SMTP.MaxMessageSize, limiter,
	)
	smtpSrv := gosmtp.NewServer(smtpBackend)
	smtpSrv.Addr = cfg.SMTP.BindAddr
	smtpSrv.Domain = cfg.SMTP.Hostname
	smtpSrv.ReadTimeout = cfg.SMTP.ReadTimeout
	smtpSrv.WriteTimeout = cfg.SMTP.WriteTimeout
	smtpSrv.MaxMessageBytes = cfg.SMTP.MaxMessageSize
	smtpSrv.MaxRecipients = cfg.SMTP.MaxRecipients

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("hostname", cfg.SMTP.Hostname),
		)
		if err := smtpSrv.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定期把数据库连接池的占用量写进监控面板
	if sqlStore != nil {
		group.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					metrics.DatabaseConnections.Set(float64(sqlStore.OpenConnections()))
				}
			}
		})
	}

	// 后台周期复检激活域名的 DNS 状态
	if cfg.DNS.RecheckEvery > 0 {
		group.Go(func() error {
			runRecheckLoop(groupCtx, store, identityService, checker, log, cfg.DNS.RecheckEvery)
			return nil
		})
	}

	// 等待退出信号后优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpSrv.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("server exited with error", zap.Error(err))
	}
}

// runRecheckLoop 周期性重跑激活域名的 DNS 体检并回写验证状态。
// DNS 是外部可变状态：记录被删掉时验证标记会掉回 false，
// 运维能在发信大规模进垃圾箱之前看到状态漂移。
func runRecheckLoop(
	ctx context.Context,
	store storage.Store,
	identities *service.IdentityService,
	checker *dnscheck.Checker,
	log *zap.Logger,
	interval time.Duration,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 批量 DNS 查询经协程池限流，避免域名多时瞬间打满解析器
	workers := pool.New(4, 64)
	workers.Start(ctx)
	defer workers.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active, err := store.ListActiveIdentities()
		if err != nil {
			log.Warn("recheck: listing active identities failed", zap.Error(err))
			continue
		}

		var wg sync.WaitGroup
		for _, identity := range active {
			identity := identity
			wg.Add(1)
			workers.Submit(func() {
				defer wg.Done()
				recheckDomain(ctx, identities, checker, log, identity)
			})
		}
		wg.Wait()
	}
}

func recheckDomain(
	ctx context.Context,
	identities *service.IdentityService,
	checker *dnscheck.Checker,
	log *zap.Logger,
	identity domain.DomainIdentity,
) {
	report := checker.CheckDomain(ctx, identity.DomainName, identity.DKIMSelector)

	// 查询失败的检查项不回写，避免解析器抖动误伤已验证的域名
	if _, err := identities.UpdateVerification(identity.DomainName, report.VerificationUpdate()); err != nil {
		log.Warn("recheck: verification update failed",
			zap.String("domain", identity.DomainName),
			zap.Error(err),
		)
		return
	}

	if report.HealthScore < 100 {
		log.Info("recheck: domain has dns issues",
			zap.String("domain", identity.DomainName),
			zap.Int("health_score", report.HealthScore),
		)
	}
}
