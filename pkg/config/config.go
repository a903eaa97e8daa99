package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/xaenox/liuyao-bot/internal/retry"
)

// DefaultSystemPrompt asks the agent for the markers the relay understands.
const DefaultSystemPrompt = "你是一位精通六爻的解卦师。起卦时先单独输出一段以“开始起卦”开头的提示；" +
	"卦象图片以 ![卦象](图片地址) 的形式单独输出；解析正文中的段落之间用 <br><br> 分隔。"

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Quota    QuotaConfig    `mapstructure:"quota"`
}

type AppConfig struct {
	// Env scopes projects and tiers, e.g. prod or dev.
	Env string `mapstructure:"env" validate:"required"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

type TelegramConfig struct {
	Token      string        `mapstructure:"token"`
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	ParseMode  string        `mapstructure:"parse_mode" validate:"omitempty,oneof=MarkdownV2 Markdown HTML"`
	APITimeout time.Duration `mapstructure:"api_timeout" validate:"gt=0"`
	RateLimit  float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst  int           `mapstructure:"rate_burst" validate:"gte=0"`
	// PollTimeout is the long-polling timeout in seconds.
	PollTimeout int `mapstructure:"poll_timeout" validate:"gte=0"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	// Model is the agent every question is sent to.
	Model        string  `mapstructure:"model" validate:"required"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	MaxTokens    int     `mapstructure:"max_tokens" validate:"gte=0"`
	Temperature  float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr" validate:"required"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" validate:"gt=0"`
}

type RelayConfig struct {
	FlushThreshold int `mapstructure:"flush_threshold" validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	Backoff        time.Duration `mapstructure:"backoff" validate:"gte=0"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gte=0"`
}

type QuotaConfig struct {
	DefaultDailyLimit int `mapstructure:"default_daily_limit" validate:"gte=1"`
	UTCOffsetHours    int `mapstructure:"utc_offset_hours" validate:"gte=-12,lte=14"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "prod")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.webhook_url", "")
	v.SetDefault("telegram.parse_mode", "")
	v.SetDefault("telegram.api_timeout", 30*time.Second)
	v.SetDefault("telegram.rate_limit", 25.0)
	v.SetDefault("telegram.rate_burst", 5)
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.system_prompt", DefaultSystemPrompt)
	v.SetDefault("openai.max_tokens", 2048)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "liuyao")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.webhook_timeout", 30*time.Second)
	v.SetDefault("relay.flush_threshold", 30)
	policy := retry.DefaultPolicy()
	v.SetDefault("retry.max_attempts", policy.MaxAttempts)
	v.SetDefault("retry.backoff", policy.Backoff)
	v.SetDefault("retry.attempt_timeout", policy.AttemptTimeout)
	v.SetDefault("quota.default_daily_limit", 1)
	v.SetDefault("quota.utc_offset_hours", 8)
}

// LoadConfig reads path if it exists, then applies environment overrides.
// Every key can be set from the environment as SECTION_KEY, e.g. SERVER_ADDR.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.UseInMemory = config.Database.UseInMemory
		dbConfig.AutoMigrate = config.Database.AutoMigrate
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Database.UseInMemory && (c.Database.Host == "" || c.Database.DBName == "") {
		return errors.New("invalid config: database host and dbname are required unless use_in_memory is set")
	}
	return nil
}

// ValidateBot checks the settings needed to talk to Telegram and the AI provider.
func (c *Config) ValidateBot() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "telegram.token")
	}
	if c.OpenAI.APIKey == "" {
		missing = append(missing, "openai.api_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
