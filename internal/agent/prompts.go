package agent

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/wwwzy/nyc311bot/internal/config"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Prompts 是三个节点使用的系统提示词
type Prompts struct {
	Guardrail   string
	QueryWriter string
	Responder   string
}

// DefaultPrompts 返回内置提示词
func DefaultPrompts() Prompts {
	return Prompts{
		Guardrail:   mustEmbedded("guardrail.md"),
		QueryWriter: mustEmbedded("query_writer.md"),
		Responder:   mustEmbedded("responder.md"),
	}
}

// LoadPrompts 在内置提示词的基础上，用配置中指定的文件逐个覆盖
func LoadPrompts(cfg config.PromptsConfig) (Prompts, error) {
	p := DefaultPrompts()
	for _, o := range []struct {
		path string
		dst  *string
	}{
		{cfg.Guardrail, &p.Guardrail},
		{cfg.QueryWriter, &p.QueryWriter},
		{cfg.Responder, &p.Responder},
	} {
		if o.path == "" {
			continue
		}
		b, err := os.ReadFile(o.path)
		if err != nil {
			return Prompts{}, fmt.Errorf("read prompt %s: %w", o.path, err)
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			return Prompts{}, fmt.Errorf("prompt %s is empty", o.path)
		}
		*o.dst = text
	}
	return p, nil
}

func mustEmbedded(name string) string {
	b, err := promptFS.ReadFile("prompts/" + name)
	if err != nil {
		panic(fmt.Sprintf("embedded prompt %s: %v", name, err))
	}
	return strings.TrimSpace(string(b))
}
