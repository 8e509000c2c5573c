package model

import (
	"time"
)

// ChannelConnection is a tenant's configured binding to one instance of an
// external channel (a page, an account, a bot, a widget). The core treats it
// as an opaque scope key plus defaults; channel credentials are owned by the
// channel adapters and never inspected here.
type ChannelConnection struct {
	ID       string  `json:"id" bson:"_id"`
	TenantID string  `json:"tenant_id" bson:"tenant_id"`
	Channel  Channel `json:"channel" bson:"channel"`
	Name     string  `json:"name" bson:"name"`

	// AutoReplyEnabled is the default copied onto conversations at creation.
	AutoReplyEnabled bool `json:"auto_reply_enabled" bson:"auto_reply_enabled"`

	// Generation is the tenant's retrieval-augmented generation settings for
	// this connection. Nil means auto-reply is unconfigured: the orchestrator
	// is a no-op even when a conversation has auto-reply enabled.
	Generation *GenerationConfig `json:"generation,omitempty" bson:"generation,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// GenerationConfig holds the options handed to the generation pipeline.
type GenerationConfig struct {
	Provider            string  `json:"provider" bson:"provider"`
	Model               string  `json:"model,omitempty" bson:"model,omitempty"`
	SystemPrompt        string  `json:"system_prompt,omitempty" bson:"system_prompt,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty" bson:"similarity_threshold,omitempty"`
	MaxTokens           int     `json:"max_tokens,omitempty" bson:"max_tokens,omitempty"`
	Temperature         float64 `json:"temperature,omitempty" bson:"temperature,omitempty"`
}
