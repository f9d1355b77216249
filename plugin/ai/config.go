// Package ai provides the LLM client and the chat turn orchestration that
// consumes the aggregated conversation context.
package ai

import (
	"github.com/kagehana/kagehana/internal/profile"
	apperrors "github.com/kagehana/kagehana/internal/errors"
)

// LLMConfig configures the LLM service.
type LLMConfig struct {
	Provider    string // openai, deepseek (openai-compatible)
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// NewLLMConfigFromProfile builds the LLM config from the profile.
func NewLLMConfigFromProfile(p *profile.Profile) *LLMConfig {
	return &LLMConfig{
		Provider:    p.LLMProvider,
		APIKey:      p.LLMAPIKey,
		BaseURL:     p.LLMBaseURL,
		Model:       p.LLMModel,
		MaxTokens:   p.LLMMaxTokens,
		Temperature: float32(p.LLMTemperature),
	}
}

// Validate checks the LLM config.
func (c *LLMConfig) Validate() error {
	if c.Provider == "" {
		return apperrors.InvalidConfig("llm provider must not be empty")
	}
	if c.APIKey == "" {
		return apperrors.InvalidConfig("llm api key must not be empty")
	}
	if c.Model == "" {
		return apperrors.InvalidConfig("llm model must not be empty")
	}
	return nil
}
