package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Scraper ScraperConfig `json:"scraper"`
	Email   EmailConfig   `json:"email"`
	Discord DiscordConfig `json:"discord"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env             string  `json:"env"`               // 运行环境: local / prod
	LogLevel        string  `json:"log_level"`         // 日志级别: debug / info / warn / error
	HTTPAddr        string  `json:"http_addr"`         // API 服务监听地址
	MetricsAddr     string  `json:"metrics_addr"`      // Worker 指标监听地址
	RateLimit       float64 `json:"rate_limit"`        // 出站请求限流速率（token/s）
	RateBurst       float64 `json:"rate_burst"`        // 限流桶容量
	DedupWindow     int     `json:"dedup_window"`      // 商品 URL 认领窗口（秒）
	QueueCapacity   int     `json:"queue_capacity"`    // 请求队列容量
	SystemUserEmail string  `json:"system_user_email"` // 定时任务使用的系统用户

	// Redis Streams 任务队列配置
	EnableRedisQueue bool   `json:"enable_redis_queue"` // API 是否把入队请求转发给 Worker
	TaskQueueStream  string `json:"task_queue_stream"`  // Redis Stream 名称
	TaskQueueGroup   string `json:"task_queue_group"`   // Consumer Group 名称
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// ScraperConfig 抓取流水线配置。
type ScraperConfig struct {
	BaseURL              string        `json:"base_url"`               // 站点根地址
	UserAgent            string        `json:"user_agent"`             // 出站请求 UA，同时用于 robots.txt 匹配
	RequestTimeout       time.Duration `json:"request_timeout"`        // 单次请求超时
	DiscoverInterval     time.Duration `json:"discover_interval"`      // DISCOVER 模式请求间隔
	BackfillInterval     time.Duration `json:"backfill_interval"`      // BACKFILL 模式请求间隔
	JitterMax            time.Duration `json:"jitter_max"`             // 随机抖动上限
	InterTaskDelay       time.Duration `json:"inter_task_delay"`       // 任务之间的等待时间
	DiscoverPageLimit    int           `json:"discover_page_limit"`    // DISCOVER 默认页数
	BackfillPageLimit    int           `json:"backfill_page_limit"`    // BACKFILL 默认页数
	BackfillProductLimit int           `json:"backfill_product_limit"` // BACKFILL 每次运行的商品上限
	LogBufferSize        int           `json:"log_buffer_size"`        // 内存日志保留条数
	VerifyPersistence    bool          `json:"verify_persistence"`     // 提交后是否回读确认
	EnableCron           bool          `json:"enable_cron"`            // Worker 是否启用定时任务
	DiscoverCron         string        `json:"discover_cron"`          // DISCOVER 定时表达式
	BackfillCron         string        `json:"backfill_cron"`          // BACKFILL 定时表达式

	// KnownEntities 启动时写入的已知实体字典：商品 ID -> 名称
	KnownEntities map[string]string `json:"known_entities,omitempty"`
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 新商品通知接收人
}

// DiscordConfig Discord Webhook 通知配置。
type DiscordConfig struct {
	WebhookURL string        `json:"webhook_url"` // 为空表示不发送
	Timeout    time.Duration `json:"timeout"`
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		// 即使没有配置文件，也允许环境变量覆盖默认值
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// 应用默认值（对于未设置的字段）
	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Default 返回默认配置的副本，主要供测试使用。
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8081",
			MetricsAddr:     ":2112",
			RateLimit:       1.5,
			RateBurst:       3,
			DedupWindow:     600,
			QueueCapacity:   100,
			SystemUserEmail: "system-scraper@polyseek.com",

			EnableRedisQueue: false,
			TaskQueueStream:  "boothsync:task:queue",
			TaskQueueGroup:   "worker_group",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/boothsync?charset=utf8mb4&parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Scraper: ScraperConfig{
			BaseURL:              "https://booth.pm",
			UserAgent:            "PolySeek-Bot/0.1.0",
			RequestTimeout:       30 * time.Second,
			DiscoverInterval:     2500 * time.Millisecond,
			BackfillInterval:     4000 * time.Millisecond,
			JitterMax:            time.Second,
			InterTaskDelay:       3 * time.Second,
			DiscoverPageLimit:    3,
			BackfillPageLimit:    10,
			BackfillProductLimit: 9,
			LogBufferSize:        100,
			VerifyPersistence:    false,
			EnableCron:           true,
			DiscoverCron:         "*/10 * * * *",
			BackfillCron:         "*/5 * * * *",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Discord: DiscordConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.SystemUserEmail == "" {
		cfg.App.SystemUserEmail = defaults.App.SystemUserEmail
	}
	if cfg.App.TaskQueueStream == "" {
		cfg.App.TaskQueueStream = defaults.App.TaskQueueStream
	}
	if cfg.App.TaskQueueGroup == "" {
		cfg.App.TaskQueueGroup = defaults.App.TaskQueueGroup
	}

	if cfg.Scraper.BaseURL == "" {
		cfg.Scraper.BaseURL = defaults.Scraper.BaseURL
	}
	if cfg.Scraper.UserAgent == "" {
		cfg.Scraper.UserAgent = defaults.Scraper.UserAgent
	}
	if cfg.Scraper.RequestTimeout == 0 {
		cfg.Scraper.RequestTimeout = defaults.Scraper.RequestTimeout
	}
	if cfg.Scraper.DiscoverInterval == 0 {
		cfg.Scraper.DiscoverInterval = defaults.Scraper.DiscoverInterval
	}
	if cfg.Scraper.BackfillInterval == 0 {
		cfg.Scraper.BackfillInterval = defaults.Scraper.BackfillInterval
	}
	if cfg.Scraper.JitterMax == 0 {
		cfg.Scraper.JitterMax = defaults.Scraper.JitterMax
	}
	if cfg.Scraper.InterTaskDelay == 0 {
		cfg.Scraper.InterTaskDelay = defaults.Scraper.InterTaskDelay
	}
	if cfg.Scraper.DiscoverPageLimit == 0 {
		cfg.Scraper.DiscoverPageLimit = defaults.Scraper.DiscoverPageLimit
	}
	if cfg.Scraper.BackfillPageLimit == 0 {
		cfg.Scraper.BackfillPageLimit = defaults.Scraper.BackfillPageLimit
	}
	if cfg.Scraper.BackfillProductLimit == 0 {
		cfg.Scraper.BackfillProductLimit = defaults.Scraper.BackfillProductLimit
	}
	if cfg.Scraper.LogBufferSize == 0 {
		cfg.Scraper.LogBufferSize = defaults.Scraper.LogBufferSize
	}
	if cfg.Scraper.DiscoverCron == "" {
		cfg.Scraper.DiscoverCron = defaults.Scraper.DiscoverCron
	}
	if cfg.Scraper.BackfillCron == "" {
		cfg.Scraper.BackfillCron = defaults.Scraper.BackfillCron
	}

	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Discord.Timeout == 0 {
		cfg.Discord.Timeout = defaults.Discord.Timeout
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("discord_webhook_url", "DISCORD_WEBHOOK_URL")
	_ = viper.BindEnv("backfill_product_limit", "BACKFILL_PRODUCT_LIMIT")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_SYSTEM_USER_EMAIL"); v != "" {
		cfg.App.SystemUserEmail = v
	}

	// Redis Streams 环境变量
	if v := os.Getenv("APP_ENABLE_REDIS_QUEUE"); v != "" {
		cfg.App.EnableRedisQueue = v == "true" || v == "1"
	}
	if v := os.Getenv("APP_TASK_QUEUE_STREAM"); v != "" {
		cfg.App.TaskQueueStream = v
	}
	if v := os.Getenv("APP_TASK_QUEUE_GROUP"); v != "" {
		cfg.App.TaskQueueGroup = v
	}

	if v := os.Getenv("SCRAPER_BASE_URL"); v != "" {
		cfg.Scraper.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("SCRAPER_USER_AGENT"); v != "" {
		cfg.Scraper.UserAgent = v
	}
	if v := os.Getenv("SCRAPER_INTER_TASK_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scraper.InterTaskDelay = d
		}
	}
	if v := viper.GetString("backfill_product_limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Scraper.BackfillProductLimit = i
		}
	}
	if v := os.Getenv("SCRAPER_VERIFY_PERSISTENCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scraper.VerifyPersistence = b
		}
	}
	if v := os.Getenv("SCRAPER_ENABLE_CRON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scraper.EnableCron = b
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}

	if v := viper.GetString("discord_webhook_url"); v != "" {
		cfg.Discord.WebhookURL = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQLConfig() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "boothsync"
	cfg.ParseTime = true
	cfg.Params = map[string]string{
		"charset": "utf8mb4",
		"loc":     "Local",
	}
	return cfg
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQLConfig()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQLConfig()
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串（如 "2.5s"）。
func (s *ScraperConfig) UnmarshalJSON(data []byte) error {
	type Alias ScraperConfig
	aux := &struct {
		RequestTimeout   string `json:"request_timeout"`
		DiscoverInterval string `json:"discover_interval"`
		BackfillInterval string `json:"backfill_interval"`
		JitterMax        string `json:"jitter_max"`
		InterTaskDelay   string `json:"inter_task_delay"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"request_timeout", aux.RequestTimeout, &s.RequestTimeout},
		{"discover_interval", aux.DiscoverInterval, &s.DiscoverInterval},
		{"backfill_interval", aux.BackfillInterval, &s.BackfillInterval},
		{"jitter_max", aux.JitterMax, &s.JitterMax},
		{"inter_task_delay", aux.InterTaskDelay, &s.InterTaskDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.field = d
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s ScraperConfig) MarshalJSON() ([]byte, error) {
	type Alias ScraperConfig
	return json.Marshal(&struct {
		RequestTimeout   string `json:"request_timeout"`
		DiscoverInterval string `json:"discover_interval"`
		BackfillInterval string `json:"backfill_interval"`
		JitterMax        string `json:"jitter_max"`
		InterTaskDelay   string `json:"inter_task_delay"`
		*Alias
	}{
		RequestTimeout:   s.RequestTimeout.String(),
		DiscoverInterval: s.DiscoverInterval.String(),
		BackfillInterval: s.BackfillInterval.String(),
		JitterMax:        s.JitterMax.String(),
		InterTaskDelay:   s.InterTaskDelay.String(),
		Alias:            (*Alias)(&s),
	})
}

// UnmarshalJSON 支持 "5s" 形式的超时配置。
func (d *DiscordConfig) UnmarshalJSON(data []byte) error {
	type Alias DiscordConfig
	aux := &struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Alias: (*Alias)(d),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timeout != "" {
		timeout, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid discord timeout format: %w", err)
		}
		d.Timeout = timeout
	}
	return nil
}

// MarshalJSON 将超时序列化为字符串。
func (d DiscordConfig) MarshalJSON() ([]byte, error) {
	type Alias DiscordConfig
	return json.Marshal(&struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Timeout: d.Timeout.String(),
		Alias:   (*Alias)(&d),
	})
}
