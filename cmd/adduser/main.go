// 创建本地账户的工具
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
	username := flag.String("username", "", "用户名")
	email := flag.String("email", "", "邮箱")
	password := flag.String("password", "", "密码，为空时读取 CAS_USER_PASSWORD 环境变量")
	displayName := flag.String("display-name", "", "显示名称")
	flag.Parse()

	if *username == "" || *email == "" {
		fmt.Println("用法: adduser -username <用户名> -email <邮箱> [-password <密码>] [-display-name <显示名称>]")
		fmt.Println("示例: adduser -username alice -email alice@example.com")
		os.Exit(1)
	}
	if *password == "" {
		*password = os.Getenv("CAS_USER_PASSWORD")
	}
	if !service.IsPasswordStrong(*password) {
		log.Fatal("密码强度不足：至少 8 位，且包含大小写字母和数字")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	user := &model.User{
		Username:    *username,
		Email:       *email,
		DisplayName: *displayName,
		Status:      model.StatusActive,
	}
	if err := user.SetPassword(*password); err != nil {
		log.Fatalf("生成密码哈希失败: %v", err)
	}

	userRepo := repository.NewUserRepository(database.GetDB())
	if err := userRepo.Create(context.Background(), user); err != nil {
		log.Fatalf("创建用户失败: %v", err)
	}

	fmt.Printf("成功创建用户 %s (%s)\n", user.Username, user.Email)
}
