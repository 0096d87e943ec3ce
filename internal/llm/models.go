package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/wwwzy/nyc311bot/internal/config"
)

// NewChatModel 按 provider 初始化一个角色使用的 ChatModel。
// openrouter 与 openai 都走 OpenAI 兼容接口，区别只在默认 BaseURL。
func NewChatModel(ctx context.Context, cfg config.LLMConfig, role config.ModelConfig) (model.ToolCallingChatModel, error) {
	if cfg.APIKey == "" || role.Model == "" {
		return nil, fmt.Errorf("api key and model must be set")
	}
	temperature := role.Temperature

	switch cfg.Provider {
	case config.ProviderOpenRouter, config.ProviderOpenAI, "":
		baseURL := cfg.BaseURL
		if baseURL == "" && cfg.Provider != config.ProviderOpenAI {
			baseURL = config.DefaultOpenRouterBaseURL
		}
		mc := &openai.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     baseURL,
			Model:       role.Model,
			Timeout:     cfg.Timeout,
			Temperature: &temperature,
		}
		if cfg.Provider != config.ProviderOpenAI {
			mc.ExtraFields = openRouterExtraFields(cfg.ProviderOptions)
		}
		cm, err := openai.NewChatModel(ctx, mc)
		if err != nil {
			return nil, fmt.Errorf("create openai chat model: %w", err)
		}
		return cm, nil

	case config.ProviderArk:
		cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       role.Model,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("create ark chat model: %w", err)
		}
		return cm, nil

	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// openRouterExtraFields 生成请求体中的 provider 路由偏好，空字符串字段不发送
func openRouterExtraFields(p config.ProviderOptions) map[string]any {
	provider := map[string]any{
		"allow_fallbacks":    p.AllowFallbacks,
		"require_parameters": p.RequireParameters,
		"zdr":                p.ZDR,
	}
	if p.DataCollection != "" {
		provider["data_collection"] = p.DataCollection
	}
	if p.Sort != "" {
		provider["sort"] = p.Sort
	}
	return map[string]any{"provider": provider}
}

// Roles 是工作流三个角色各自的 Invoker
type Roles struct {
	Guardrail   Invoker
	QueryWriter Invoker
	Responder   Invoker
}

func NewRoles(ctx context.Context, cfg config.LLMConfig) (Roles, error) {
	build := func(name string, role config.ModelConfig) (Invoker, error) {
		cm, err := NewChatModel(ctx, cfg, role)
		if err != nil {
			return nil, fmt.Errorf("%s model: %w", name, err)
		}
		return NewChatInvoker(cm, role.Temperature), nil
	}

	var (
		roles Roles
		err   error
	)
	if roles.Guardrail, err = build("guardrail", cfg.Guardrail); err != nil {
		return Roles{}, err
	}
	if roles.QueryWriter, err = build("query_writer", cfg.QueryWriter); err != nil {
		return Roles{}, err
	}
	if roles.Responder, err = build("responder", cfg.Responder); err != nil {
		return Roles{}, err
	}
	return roles, nil
}
