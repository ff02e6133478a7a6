package llm

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ChatModelOption describes one selectable chat model and its capability tags.
type ChatModelOption struct {
	Provider     string   `json:"provider"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Recommended  bool     `json:"recommended,omitempty"`
}

var defaultChatModelCatalog = []ChatModelOption{
	{
		Provider:     "openai",
		Name:         "gpt-4-turbo",
		DisplayName:  "GPT-4 Turbo",
		Description:  "Default general-purpose model for retrieval-grounded answers.",
		Capabilities: []string{"chat", "stream", "tools"},
		Recommended:  true,
	},
	{
		Provider:     "openai",
		Name:         "gpt-4o",
		DisplayName:  "GPT-4o",
		Description:  "Fast multimodal model, good balance of speed and quality.",
		Capabilities: []string{"chat", "stream", "tools"},
	},
	{
		Provider:     "openai",
		Name:         "o3-mini",
		DisplayName:  "o3-mini",
		Description:  "Compact reasoning model for analytical queries.",
		Capabilities: []string{"chat", "reasoning"},
	},
	{
		Provider:     "anthropic",
		Name:         "sonnet-3.7",
		DisplayName:  "Claude Sonnet 3.7",
		Description:  "Strong reasoning with optional extended thinking.",
		Capabilities: []string{"chat", "stream", "reasoning", "tools"},
	},
	{
		Provider:     "groq",
		Name:         "llama-4-maverick",
		DisplayName:  "Llama 4 Maverick",
		Description:  "High-throughput open-weights model served by Groq.",
		Capabilities: []string{"chat", "stream"},
	},
}

// loadChatModelCatalog loads the model catalog, with env overrides.
func loadChatModelCatalog() []ChatModelOption {
	if catalog := loadChatModelCatalogFromEnv(); len(catalog) > 0 {
		return catalog
	}
	return append([]ChatModelOption(nil), defaultChatModelCatalog...)
}

// loadChatModelCatalogFromEnv reads the catalog from LLM_MODEL_CATALOG
// (inline JSON) or LLM_MODEL_CATALOG_FILE.
func loadChatModelCatalogFromEnv() []ChatModelOption {
	rawInline := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG"))
	if rawInline != "" {
		if catalog := parseModelCatalogJSON(rawInline); len(catalog) > 0 {
			return catalog
		}
		log.Printf("llm: failed to parse LLM_MODEL_CATALOG override")
	}

	rawPath := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG_FILE"))
	if rawPath != "" {
		data, err := os.ReadFile(filepath.Clean(rawPath))
		if err != nil {
			log.Printf("llm: read LLM_MODEL_CATALOG_FILE failed: %v", err)
		} else if catalog := parseModelCatalogJSON(string(data)); len(catalog) > 0 {
			return catalog
		} else {
			log.Printf("llm: failed to parse catalog file %s", rawPath)
		}
	}

	return nil
}

func parseModelCatalogJSON(raw string) []ChatModelOption {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var wrapped struct {
		Models []ChatModelOption `json:"models"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil && len(wrapped.Models) > 0 {
		return normalizeModelCatalog(wrapped.Models)
	}

	var list []ChatModelOption
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
		return normalizeModelCatalog(list)
	}

	return nil
}

func normalizeModelCatalog(list []ChatModelOption) []ChatModelOption {
	if len(list) == 0 {
		return nil
	}

	result := make([]ChatModelOption, 0, len(list))
	seen := make(map[string]struct{}, len(list))

	for _, item := range list {
		provider := strings.TrimSpace(item.Provider)
		name := strings.TrimSpace(item.Name)
		if provider == "" || name == "" {
			continue
		}

		key := strings.ToLower(provider) + "|" + strings.ToLower(name)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		option := ChatModelOption{
			Provider:     provider,
			Name:         name,
			DisplayName:  strings.TrimSpace(item.DisplayName),
			Description:  strings.TrimSpace(item.Description),
			Capabilities: normalizeStringSlice(item.Capabilities),
			Tags:         normalizeStringSlice(item.Tags),
			Recommended:  item.Recommended,
		}
		if option.DisplayName == "" {
			option.DisplayName = name
		}

		result = append(result, option)
	}

	return result
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		lowered := strings.ToLower(trimmed)
		if _, exists := seen[lowered]; exists {
			continue
		}
		seen[lowered] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func catalogAllowsModel(catalog []ChatModelOption, name string) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false
	}
	for _, option := range catalog {
		if strings.EqualFold(option.Name, trimmed) {
			return true
		}
	}
	return false
}
