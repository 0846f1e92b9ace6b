// Package config owns the gateway runtime configuration: a JSON config file
// with VOICEGATE_* environment overrides, exposed as immutable snapshots so
// concurrent turns never observe a half-written update.
package config

import (
	"time"
)

// Config is the full runtime configuration. Fields are grouped by the
// component that consumes them.
type Config struct {
	// Server
	Host        string `mapstructure:"host" json:"host"`
	Port        int    `mapstructure:"port" json:"port"`
	BearerToken string `mapstructure:"bearer_token" json:"bearer_token,omitempty"`
	LogLevel    string `mapstructure:"log_level" json:"log_level"`
	LogFormat   string `mapstructure:"log_format" json:"log_format"`

	// Speech collaborators (ASR + TTS share one OpenAI-style server)
	SpeechBaseURL string  `mapstructure:"speech_base_url" json:"speech_base_url"`
	STTModel      string  `mapstructure:"stt_model" json:"stt_model"`
	STTLanguage   string  `mapstructure:"stt_language" json:"stt_language"`
	TTSModel      string  `mapstructure:"tts_model" json:"tts_model"`
	TTSVoice      string  `mapstructure:"tts_voice" json:"tts_voice"`
	TTSSpeed      float64 `mapstructure:"tts_speed" json:"tts_speed"`

	// LLM collaborator
	LLMBaseURL       string  `mapstructure:"llm_base_url" json:"llm_base_url"`
	LLMModel         string  `mapstructure:"llm_model" json:"llm_model"`
	LLMAPIKey        string  `mapstructure:"llm_api_key" json:"llm_api_key,omitempty"`
	LLMMaxTokens     int     `mapstructure:"llm_max_tokens" json:"llm_max_tokens"`
	LLMTemperature   float64 `mapstructure:"llm_temperature" json:"llm_temperature"`
	LLMContextTokens int     `mapstructure:"llm_context_tokens" json:"llm_context_tokens"`
	LLMSystemPrompt  string  `mapstructure:"llm_system_prompt" json:"llm_system_prompt"`
	MaxHistoryTurns  int     `mapstructure:"max_history_turns" json:"max_history_turns"`

	// Call policy
	CallerAllowlist       []string `mapstructure:"caller_allowlist" json:"caller_allowlist"`
	CallerBlocklist       []string `mapstructure:"caller_blocklist" json:"caller_blocklist"`
	UnknownCallersAllowed bool     `mapstructure:"unknown_callers_allowed" json:"unknown_callers_allowed"`
	GreetingIncoming      string   `mapstructure:"greeting_incoming" json:"greeting_incoming"`
	GreetingOutgoing      string   `mapstructure:"greeting_outgoing" json:"greeting_outgoing"`
	GreetingOwner         string   `mapstructure:"greeting_owner" json:"greeting_owner"`
	MaxDurationSec        int      `mapstructure:"max_duration_sec" json:"max_duration_sec"`
	MaxDurationMessage    string   `mapstructure:"max_duration_message" json:"max_duration_message"`
	AuthPassphrase        string   `mapstructure:"auth_passphrase" json:"auth_passphrase,omitempty"`
	AuthRejectMessage     string   `mapstructure:"auth_reject_message" json:"auth_reject_message"`
	AuthMaxAttempts       int      `mapstructure:"auth_max_attempts" json:"auth_max_attempts"`

	// Sessions
	KeepHistory   bool   `mapstructure:"keep_history" json:"keep_history"`
	SessionDir    string `mapstructure:"session_dir" json:"session_dir"`
	SessionTTLSec int    `mapstructure:"session_ttl_sec" json:"session_ttl_sec"`

	// Agent control channel
	AgentTimeoutSec         int  `mapstructure:"agent_timeout_sec" json:"agent_timeout_sec"`
	AgentTimeoutAutoRelease bool `mapstructure:"agent_timeout_auto_release" json:"agent_timeout_auto_release"`

	// Telephony bridge (external collaborator)
	PhoneBridgeCmd string `mapstructure:"phone_bridge_cmd" json:"phone_bridge_cmd"`

	// Observability
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
}

// AgentTimeout returns the delegation deadline as a duration.
func (c *Config) AgentTimeout() time.Duration {
	if c.AgentTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.AgentTimeoutSec) * time.Second
}

// SessionTTL returns how long an idle session stays active.
func (c *Config) SessionTTL() time.Duration {
	if c.SessionTTLSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.SessionTTLSec) * time.Second
}

// MaxDuration returns the maximum call duration, zero meaning unlimited.
func (c *Config) MaxDuration() time.Duration {
	if c.MaxDurationSec <= 0 {
		return 0
	}
	return time.Duration(c.MaxDurationSec) * time.Second
}

// Greeting returns the direction-appropriate greeting with the {owner}
// placeholder substituted.
func (c *Config) Greeting(direction string) string {
	tmpl := c.GreetingIncoming
	if direction == "outgoing" {
		tmpl = c.GreetingOutgoing
	}
	owner := c.GreetingOwner
	if owner == "" {
		owner = "the owner"
	}
	return replaceOwner(tmpl, owner)
}

// Clone returns a deep copy safe to mutate without affecting readers of the
// original snapshot.
func (c *Config) Clone() *Config {
	clone := *c
	clone.CallerAllowlist = append([]string(nil), c.CallerAllowlist...)
	clone.CallerBlocklist = append([]string(nil), c.CallerBlocklist...)
	return &clone
}

func defaults() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Port:                  8090,
		LogLevel:              "info",
		LogFormat:             "text",
		SpeechBaseURL:         "http://127.0.0.1:9000",
		STTModel:              "whisper-large-v3-turbo",
		STTLanguage:           "en",
		TTSModel:              "kokoro",
		TTSVoice:              "am_adam",
		TTSSpeed:              1.2,
		LLMModel:              "qwen3-4b",
		LLMMaxTokens:          400,
		LLMTemperature:        0.2,
		LLMSystemPrompt:       "You are a helpful phone assistant. Keep replies short and conversational.",
		MaxHistoryTurns:       8,
		UnknownCallersAllowed: true,
		GreetingOwner:         "the owner",
		MaxDurationSec:        300,
		AuthRejectMessage:     "I'm sorry, I can't help you right now. Goodbye.",
		AuthMaxAttempts:       3,
		SessionDir:            "sessions",
		SessionTTLSec:         600,
		AgentTimeoutSec:       30,
	}
}
