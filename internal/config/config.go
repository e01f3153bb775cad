package config

import (
	"log"

	"gopkg.in/yaml.v3"

	"lottonotify/pkg/config"
)

// DispatchConfig 调度管道参数
type DispatchConfig struct {
	Workers            int      `yaml:"workers"`
	SendTimeoutSeconds int      `yaml:"send_timeout_seconds"`
	MaxReschedules     int      `yaml:"max_reschedules"`
	BlockedDomains     []string `yaml:"blocked_domains"`
}

// QuotaConfig 每日配额参数
type QuotaConfig struct {
	DailyLimit int    `yaml:"daily_limit"`
	AdminEmail string `yaml:"admin_email"`
}

// RateLimitConfig 滑动窗口限流参数
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// RetentionConfig 历史数据保留参数
type RetentionConfig struct {
	DeliveryLogDays        int `yaml:"delivery_log_days"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// AdminConfig 运维接口参数
type AdminConfig struct {
	TokenHash string `yaml:"token_hash"`
}

type Config struct {
	Server    config.ServerConfig   `yaml:"server"`
	DB        config.DBConfig       `yaml:"db"`
	MQ        config.MQConfig       `yaml:"mq"`
	Redis     config.RedisConfig    `yaml:"redis"`
	JWT       config.JWTConfig      `yaml:"jwt"`
	Provider  config.ProviderConfig `yaml:"provider"`
	Dispatch  DispatchConfig        `yaml:"dispatch"`
	Quota     QuotaConfig           `yaml:"quota"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
	Retention RetentionConfig       `yaml:"retention"`
	Admin     AdminConfig           `yaml:"admin"`
}

func Load() *Config {
	// 使用统一配置中心
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 转换为 Config 结构
	var cfg Config
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		log.Fatalf("failed to marshal config: %v", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideProviderFromEnv(&cfg.Provider)

	return &cfg
}
