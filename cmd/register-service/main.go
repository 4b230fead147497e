// 注册 CAS 服务的工具
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
)

func main() {
	name := flag.String("name", "", "服务名称")
	prefix := flag.String("url-prefix", "", "服务地址前缀")
	allowProxy := flag.Bool("allow-proxy", false, "是否允许申请代理票据")
	priority := flag.Int("priority", 0, "匹配优先级，越大越先匹配")
	description := flag.String("description", "", "描述")
	flag.Parse()

	if *name == "" || *prefix == "" {
		fmt.Println("用法: register-service -name <名称> -url-prefix <地址前缀> [-allow-proxy] [-priority N]")
		fmt.Println("示例: register-service -name portal -url-prefix https://portal.example.com/")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	registry := service.NewServiceRegistry(
		repository.NewRegisteredServiceRepository(database.GetDB()),
		service.NewServiceMatcher(cfg.CAS.StrippedParams),
	)
	svc := &model.RegisteredService{
		Name:        *name,
		URLPrefix:   *prefix,
		AllowProxy:  *allowProxy,
		Priority:    *priority,
		Description: *description,
	}
	if err := registry.Register(context.Background(), svc); err != nil {
		log.Fatalf("注册服务失败: %v", err)
	}

	fmt.Printf("成功注册服务 %s: %s (allow_proxy=%v)\n", svc.Name, svc.URLPrefix, svc.AllowProxy)
	if !cfg.CAS.RequireRegisteredService {
		fmt.Println("提示: cas.require_registered_service 未开启，注册信息仅用于代理授权判断")
	}
}
