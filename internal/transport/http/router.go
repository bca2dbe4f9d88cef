package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/dnscheck"
	"mailforge/backend/internal/health"
	"mailforge/backend/internal/middleware"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/postfix"
	"mailforge/backend/internal/sender"
	"mailforge/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config          *config.Config
	IdentityService *service.IdentityService
	MailboxService  *service.MailboxService
	MessageService  *service.MessageService
	Sender          *sender.Sender
	Checker         *dnscheck.Checker
	Applier         *postfix.Applier
	PostfixLimits   postfix.Limits
	Health          *health.HealthChecker
	Metrics         *monitoring.Metrics
	Logger          *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(middleware.HTTPMetrics(deps.Metrics))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 允许所有来源时必须关闭凭证支持
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	domainHandler := NewDomainHandler(deps.IdentityService, deps.Checker, deps.Sender, deps.Logger)
	postfixHandler := NewPostfixHandler(deps.IdentityService, deps.MailboxService, deps.Applier, deps.Checker, deps.PostfixLimits, deps.Logger)
	mailHandler := NewMailHandler(deps.Sender, deps.MessageService, deps.MailboxService, deps.Logger)

	// 健康检查与指标
	router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	api := router.Group("/api")
	{
		// 域名身份
		api.POST("/domains", domainHandler.Create)
		api.GET("/domains", domainHandler.List)
		api.GET("/domains/:name", domainHandler.Get)
		api.DELETE("/domains/:name", domainHandler.Delete)
		api.POST("/domains/:name/verify", domainHandler.Verify)
		api.PATCH("/domains/:name/verification", domainHandler.UpdateVerification)
		api.POST("/domains/:name/rotate-dkim", domainHandler.RotateDKIM)
		api.GET("/domains/:name/mailboxes", mailHandler.ListMailboxes)

		// DNS 与端口检查
		api.GET("/dns/:name/check", domainHandler.CheckDNS)
		api.GET("/ports/:port/check", postfixHandler.CheckPort)

		// Postfix 配置
		api.POST("/postfix/render", postfixHandler.Render)
		api.POST("/postfix/apply", postfixHandler.Apply)

		// 发信与邮件
		api.POST("/mail/send", mailHandler.Send)
		api.GET("/messages", mailHandler.ListMessages)
		api.GET("/messages/:id", mailHandler.GetMessage)
		api.PATCH("/messages/:id/read", mailHandler.MarkMessageRead)
		api.DELETE("/messages/:id", mailHandler.DeleteMessage)

		// 邮箱与别名
		api.POST("/mailboxes", mailHandler.CreateMailbox)
		api.DELETE("/mailboxes/:id", mailHandler.DeleteMailbox)
		api.POST("/aliases", mailHandler.CreateAlias)
	}

	return router
}
