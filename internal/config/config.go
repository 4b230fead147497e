package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	CAS      CASConfig      `mapstructure:"cas"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	LogLevel string         `mapstructure:"log_level"` // silent | error | warn | info
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// 票据存储后端
const (
	StoreDatabase = "database"
	StoreRedis    = "redis"
)

// 票据校验策略
const (
	ValidationSingleUse = "single_use"
	ValidationRenewable = "renewable"
)

// CASConfig 票据与协议配置
type CASConfig struct {
	Store                    string              `mapstructure:"store"`
	LoginTicketTTL           time.Duration       `mapstructure:"login_ticket_ttl"`
	ServiceTicketTTL         time.Duration       `mapstructure:"service_ticket_ttl"`
	ProxyTicketTTL           time.Duration       `mapstructure:"proxy_ticket_ttl"`
	TicketGrantingTicketTTL  time.Duration       `mapstructure:"ticket_granting_ticket_ttl"`
	ProxyGrantingTicketTTL   time.Duration       `mapstructure:"proxy_granting_ticket_ttl"`
	ValidationMode           string              `mapstructure:"validation_mode"`
	StrippedParams           []string            `mapstructure:"stripped_params"`
	SweepInterval            time.Duration       `mapstructure:"sweep_interval"`
	RequireRegisteredService bool                `mapstructure:"require_registered_service"`
	CookieName               string              `mapstructure:"cookie_name"`
	CookiePath               string              `mapstructure:"cookie_path"`
	CookieDomain             string              `mapstructure:"cookie_domain"`
	CookieSecure             bool                `mapstructure:"cookie_secure"`
	ProxyCallback            ProxyCallbackConfig `mapstructure:"proxy_callback"`
}

// ProxyCallbackConfig PGT 回调配置
type ProxyCallbackConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	RequireHTTPS bool          `mapstructure:"require_https"`
}

var (
	mu     sync.RWMutex
	global *Config
)

// Load 从 ./configs 或当前目录加载 config.yaml，文件不存在时使用默认值
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return unmarshal(v)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// Get 获取最近一次加载的配置
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func newViper() *viper.Viper {
	v := viper.New()
	// 支持环境变量覆盖，如 CAS_STORE、REDIS_ADDR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mu.Lock()
	global = &cfg
	mu.Unlock()
	return &cfg, nil
}

// Validate 校验取值固定的配置项，未知取值直接报错而不是回退到默认行为
func (c *Config) Validate() error {
	switch c.CAS.Store {
	case StoreDatabase, StoreRedis:
	default:
		return fmt.Errorf("cas.store 取值无效: %q，可选 %s | %s", c.CAS.Store, StoreDatabase, StoreRedis)
	}
	switch c.CAS.ValidationMode {
	case ValidationSingleUse, ValidationRenewable:
	default:
		return fmt.Errorf("cas.validation_mode 取值无效: %q，可选 %s | %s", c.CAS.ValidationMode, ValidationSingleUse, ValidationRenewable)
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "cas")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.user", "root")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.dbname", "cas")
	v.SetDefault("database.mysql.charset", "utf8mb4")
	v.SetDefault("database.mysql.parse_time", true)
	v.SetDefault("database.mysql.loc", "Local")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "cas:")

	// 票据默认配置
	v.SetDefault("cas.store", StoreRedis)
	v.SetDefault("cas.login_ticket_ttl", "5m")
	v.SetDefault("cas.service_ticket_ttl", "5m")
	v.SetDefault("cas.proxy_ticket_ttl", "5m")
	v.SetDefault("cas.ticket_granting_ticket_ttl", "8h")
	v.SetDefault("cas.proxy_granting_ticket_ttl", "8h")
	v.SetDefault("cas.validation_mode", ValidationSingleUse)
	v.SetDefault("cas.stripped_params", []string{"ticket"})
	v.SetDefault("cas.sweep_interval", "2m")
	v.SetDefault("cas.require_registered_service", false)
	v.SetDefault("cas.cookie_name", "CASTGC")
	v.SetDefault("cas.cookie_path", "/cas")
	v.SetDefault("cas.cookie_domain", "")
	v.SetDefault("cas.cookie_secure", true)
	v.SetDefault("cas.proxy_callback.timeout", "5s")
	v.SetDefault("cas.proxy_callback.require_https", true)
}
