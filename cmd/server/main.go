package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/handler"
	"github.com/pu-ac-cn/cas-server/internal/middleware"
	"github.com/pu-ac-cn/cas-server/internal/redis"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/pu-ac-cn/cas-server/pkg/response"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	logger := middleware.GetLogger()

	// 初始化数据库连接，账户与注册服务始终存放在数据库中
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()
	log.Println("数据库连接成功")

	// 自动迁移数据库表
	if err := database.AutoMigrate(database.Models()...); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	log.Println("数据库迁移完成")

	// 初始化票据存储
	var ticketRepo repository.TicketRepository
	switch cfg.CAS.Store {
	case config.StoreRedis:
		if err := redis.Init(&cfg.Redis); err != nil {
			log.Fatalf("初始化 Redis 失败: %v", err)
		}
		defer redis.Close()
		log.Println("Redis 连接成功")
		ticketRepo = repository.NewRedisTicketRepository(redis.GetClient(), cfg.Redis.KeyPrefix)
	case config.StoreDatabase:
		ticketRepo = repository.NewTicketRepository(database.GetDB())
	default:
		log.Fatalf("不支持的票据存储: %s", cfg.CAS.Store)
	}
	log.Printf("票据存储: %s", cfg.CAS.Store)

	// 初始化 Repository
	userRepo := repository.NewUserRepository(database.GetDB())
	serviceRepo := repository.NewRegisteredServiceRepository(database.GetDB())

	// 初始化 Service
	matcher := service.NewServiceMatcher(cfg.CAS.StrippedParams)
	ticketService := service.NewTicketService(ticketRepo, &service.TicketServiceConfig{
		LoginTicketTTL:           cfg.CAS.LoginTicketTTL,
		ServiceTicketTTL:         cfg.CAS.ServiceTicketTTL,
		ProxyTicketTTL:           cfg.CAS.ProxyTicketTTL,
		TicketGrantingTicketTTL:  cfg.CAS.TicketGrantingTicketTTL,
		ProxyGrantingTicketTTL:   cfg.CAS.ProxyGrantingTicketTTL,
		ValidationMode:           service.ValidationMode(cfg.CAS.ValidationMode),
		StrippedParams:           cfg.CAS.StrippedParams,
		RequireRegisteredService: cfg.CAS.RequireRegisteredService,
		Registry:                 service.NewServiceRegistry(serviceRepo, matcher),
		ProxyCallback: service.NewProxyCallback(&service.ProxyCallbackConfig{
			Timeout:      cfg.CAS.ProxyCallback.Timeout,
			RequireHTTPS: cfg.CAS.ProxyCallback.RequireHTTPS,
		}),
	}, logger)
	authService := service.NewAuthService(userRepo, logger)

	// 初始化 Handler
	casHandler := handler.NewCASHandler(ticketService, authService, &handler.CASHandlerConfig{
		CookieName:   cfg.CAS.CookieName,
		CookiePath:   cfg.CAS.CookiePath,
		CookieDomain: cfg.CAS.CookieDomain,
		CookieSecure: cfg.CAS.CookieSecure,
	}, logger)

	// 定期清理过期票据
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go service.NewTicketSweeper(ticketService, cfg.CAS.SweepInterval, logger).Run(sweepCtx)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()

	// 全局中间件
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.SecurityHeaders())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		// 检查数据库连接
		dbStatus := "ok"
		if err := database.Ping(); err != nil {
			dbStatus = "error"
		}

		// 检查 Redis 连接
		redisStatus := "disabled"
		if cfg.CAS.Store == config.StoreRedis {
			redisStatus = "ok"
			if err := redis.Ping(c.Request.Context()); err != nil {
				redisStatus = "error"
			}
		}

		response.Success(c, gin.H{
			"status":   "ok",
			"time":     time.Now().Format(time.RFC3339),
			"database": dbStatus,
			"redis":    redisStatus,
			"store":    cfg.CAS.Store,
		})
	})

	// CAS 协议路由
	casHandler.RegisterRoutes(router)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code": 404,
			"msg":  "接口不存在",
		})
	})

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		log.Printf("服务启动，监听地址: %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")
	stopSweep()

	// 优雅关闭，等待 5 秒
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("服务关闭失败: %v", err)
	}

	_ = logger.Sync()
	log.Println("服务已关闭")
}
