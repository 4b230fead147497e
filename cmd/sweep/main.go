// Package main 一次性清理过期票据，供定时任务调用
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/middleware"
	"github.com/pu-ac-cn/cas-server/internal/redis"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	timeout := flag.Duration("timeout", time.Minute, "清理超时时间")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	var ticketRepo repository.TicketRepository
	switch cfg.CAS.Store {
	case config.StoreRedis:
		if err := redis.Init(&cfg.Redis); err != nil {
			log.Fatalf("初始化 Redis 失败: %v", err)
		}
		defer redis.Close()
		ticketRepo = repository.NewRedisTicketRepository(redis.GetClient(), cfg.Redis.KeyPrefix)
	case config.StoreDatabase:
		if err := database.Init(&cfg.Database); err != nil {
			log.Fatalf("初始化数据库失败: %v", err)
		}
		defer database.Close()
		ticketRepo = repository.NewTicketRepository(database.GetDB())
	default:
		log.Fatalf("不支持的票据存储: %s", cfg.CAS.Store)
	}

	// 清理只依赖各类票据的有效期
	tickets := service.NewTicketService(ticketRepo, &service.TicketServiceConfig{
		LoginTicketTTL:          cfg.CAS.LoginTicketTTL,
		ServiceTicketTTL:        cfg.CAS.ServiceTicketTTL,
		ProxyTicketTTL:          cfg.CAS.ProxyTicketTTL,
		TicketGrantingTicketTTL: cfg.CAS.TicketGrantingTicketTTL,
		ProxyGrantingTicketTTL:  cfg.CAS.ProxyGrantingTicketTTL,
	}, middleware.GetLogger())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	counts, err := tickets.SweepExpiredAll(ctx)
	var total int64
	for kind, n := range counts {
		log.Printf("  - %s: %d", kind, n)
		total += n
	}
	if err != nil {
		log.Fatalf("清理过期票据失败: %v", err)
	}
	log.Printf("清理完成，共删除 %d 张票据", total)
}
