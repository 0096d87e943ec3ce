package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wwwzy/nyc311bot/internal/logging"
	"github.com/wwwzy/nyc311bot/internal/retention"
	"github.com/wwwzy/nyc311bot/internal/storage"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderArk        = "ark"

	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// ModelConfig 是单个角色（护栏、查询生成、回答）的模型设置
type ModelConfig struct {
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

type LLMConfig struct {
	// Provider 为 openrouter、openai 或 ark
	Provider string        `mapstructure:"provider"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`

	Guardrail   ModelConfig `mapstructure:"guardrail"`
	QueryWriter ModelConfig `mapstructure:"query_writer"`
	Responder   ModelConfig `mapstructure:"responder"`

	// ProviderOptions 为 OpenRouter 的路由偏好，仅 provider=openrouter 时随请求发送
	ProviderOptions ProviderOptions `mapstructure:"provider_options"`
}

// ProviderOptions 对应 OpenRouter 请求体中的 provider 字段。
// 默认拒绝数据收集并要求零数据留存。
type ProviderOptions struct {
	AllowFallbacks    bool `mapstructure:"allow_fallbacks"`
	RequireParameters bool `mapstructure:"require_parameters"`
	// DataCollection 为 allow 或 deny
	DataCollection string `mapstructure:"data_collection"`
	ZDR            bool   `mapstructure:"zdr"`
	// Sort 为 price、throughput 或 latency，空表示由 OpenRouter 决定
	Sort string `mapstructure:"sort"`
}

type DatabaseConfig struct {
	// DSN 指向存放 service_requests 表的 PostgreSQL
	DSN            string        `mapstructure:"dsn"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MaxRows 限制单次查询返回给模型的行数，<=0（默认）不限制
	MaxRows int `mapstructure:"max_rows"`
}

// PromptsConfig 中的路径非空时，用文件内容覆盖内置提示词
type PromptsConfig struct {
	Guardrail   string `mapstructure:"guardrail"`
	QueryWriter string `mapstructure:"query_writer"`
	Responder   string `mapstructure:"responder"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// HistoryLimit 为每次提问带入的历史消息条数上限
	HistoryLimit int `mapstructure:"history_limit"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

type Config struct {
	LLM       LLMConfig        `mapstructure:"llm"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Storage   storage.Config   `mapstructure:"storage"`
	Retention retention.Config `mapstructure:"retention"`
	Prompts   PromptsConfig    `mapstructure:"prompts"`
	Server    ServerConfig     `mapstructure:"server"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	LogLevel  string           `mapstructure:"log_level"`
	LogFormat string           `mapstructure:"log_format"`
	// Debug 为 true 时 ask 命令打印流式片段、工具调用与工具输出
	Debug bool `mapstructure:"debug"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.nyc311bot")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("NYC311BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只会解码 viper 已知的 key，因此每个 key 都需要一个默认值
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 只检查格式；模型与数据库是否可用由需要它们的命令各自检查
func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case ProviderOpenRouter, ProviderOpenAI, ProviderArk:
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be one of openrouter, openai, ark (got %q)", c.LLM.Provider))
	}
	for name, m := range map[string]ModelConfig{
		"guardrail":    c.LLM.Guardrail,
		"query_writer": c.LLM.QueryWriter,
		"responder":    c.LLM.Responder,
	} {
		if m.Temperature < 0 || m.Temperature > 2 {
			errs = append(errs, fmt.Errorf("llm.%s.temperature must be within [0, 2]", name))
		}
	}
	switch c.LLM.ProviderOptions.DataCollection {
	case "", "allow", "deny":
	default:
		errs = append(errs, fmt.Errorf("llm.provider_options.data_collection must be allow or deny (got %q)", c.LLM.ProviderOptions.DataCollection))
	}
	switch c.LLM.ProviderOptions.Sort {
	case "", "price", "throughput", "latency":
	default:
		errs = append(errs, fmt.Errorf("llm.provider_options.sort must be price, throughput or latency (got %q)", c.LLM.ProviderOptions.Sort))
	}
	if c.Database.QueryTimeout <= 0 {
		errs = append(errs, errors.New("database.query_timeout must be positive"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ValidateLLM 检查调用模型所需的配置
func (c *Config) ValidateLLM() error {
	var errs []error
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required (or set OPENROUTER_API_KEY env var)"))
	}
	for name, m := range map[string]ModelConfig{
		"guardrail":    c.LLM.Guardrail,
		"query_writer": c.LLM.QueryWriter,
		"responder":    c.LLM.Responder,
	} {
		if m.Model == "" {
			errs = append(errs, fmt.Errorf("llm.%s.model is required", name))
		}
	}
	return errors.Join(errs...)
}

// ValidateDatabase 检查执行查询所需的配置
func (c *Config) ValidateDatabase() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required (or set DATABASE_URL env var)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// -------------------------------------------------------------------------
	// Global Defaults (全局默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("debug", d.Debug)

	// -------------------------------------------------------------------------
	// LLM Defaults (模型默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.guardrail.model", "")
	v.SetDefault("llm.guardrail.temperature", d.LLM.Guardrail.Temperature)
	v.SetDefault("llm.query_writer.model", "")
	v.SetDefault("llm.query_writer.temperature", d.LLM.QueryWriter.Temperature)
	v.SetDefault("llm.responder.model", "")
	v.SetDefault("llm.responder.temperature", d.LLM.Responder.Temperature)

	v.SetDefault("llm.provider_options.allow_fallbacks", d.LLM.ProviderOptions.AllowFallbacks)
	v.SetDefault("llm.provider_options.require_parameters", d.LLM.ProviderOptions.RequireParameters)
	v.SetDefault("llm.provider_options.data_collection", d.LLM.ProviderOptions.DataCollection)
	v.SetDefault("llm.provider_options.zdr", d.LLM.ProviderOptions.ZDR)
	v.SetDefault("llm.provider_options.sort", d.LLM.ProviderOptions.Sort)

	v.BindEnv("llm.api_key", "NYC311BOT_LLM_API_KEY", "OPENROUTER_API_KEY")
	v.BindEnv("llm.base_url", "NYC311BOT_LLM_BASE_URL", "OPENROUTER_BASE_URL")
	v.BindEnv("llm.guardrail.model", "NYC311BOT_LLM_GUARDRAIL_MODEL", "OPENROUTER_MODEL_1")
	v.BindEnv("llm.query_writer.model", "NYC311BOT_LLM_QUERY_WRITER_MODEL", "OPENROUTER_MODEL_2")
	v.BindEnv("llm.responder.model", "NYC311BOT_LLM_RESPONDER_MODEL", "OPENROUTER_MODEL_3")

	// -------------------------------------------------------------------------
	// Database Defaults (查询库默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.query_timeout", d.Database.QueryTimeout)
	v.SetDefault("database.connect_timeout", d.Database.ConnectTimeout)
	v.SetDefault("database.max_rows", d.Database.MaxRows)

	v.BindEnv("database.dsn", "NYC311BOT_DATABASE_DSN", "DATABASE_URL")

	// -------------------------------------------------------------------------
	// Storage Defaults (本地存储默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.in_memory", d.Storage.InMemory)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)

	// -------------------------------------------------------------------------
	// Retention Defaults (数据清理默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("retention.workers", d.Retention.Workers)
	v.SetDefault("retention.batch_rows", d.Retention.BatchRows)
	v.SetDefault("retention.idle_sleep", d.Retention.IdleSleep)
	v.SetDefault("retention.audit_keep", d.Retention.AuditKeep)
	v.SetDefault("retention.turns_keep", d.Retention.TurnsKeep)

	// -------------------------------------------------------------------------
	// Prompts / Server / Telemetry
	// -------------------------------------------------------------------------
	v.SetDefault("prompts.guardrail", "")
	v.SetDefault("prompts.query_writer", "")
	v.SetDefault("prompts.responder", "")

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.history_limit", d.Server.HistoryLimit)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
}

func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		LLM: LLMConfig{
			Provider:    ProviderOpenRouter,
			BaseURL:     DefaultOpenRouterBaseURL,
			Timeout:     2 * time.Minute,
			Guardrail:   ModelConfig{Temperature: 0.25},
			QueryWriter: ModelConfig{Temperature: 0.25},
			Responder:   ModelConfig{Temperature: 0.75},
			ProviderOptions: ProviderOptions{
				AllowFallbacks:    true,
				RequireParameters: true,
				DataCollection:    "deny",
				ZDR:               true,
				Sort:              "latency",
			},
		},
		Database: DatabaseConfig{
			QueryTimeout:   30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Storage: storage.Config{
			Enabled:     true,
			Path:        "nyc311bot.db",
			EnableWAL:   true,
			BusyTimeout: 5 * time.Second,
		},
		Retention: retention.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			HistoryLimit:    50,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "nyc311bot",
		},
	}
}
