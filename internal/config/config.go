package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig
	LLM        LLMConfig
	Search     SearchConfig
	AgentQueue AgentQueueConfig `mapstructure:"agent_queue"`
	Database   DatabaseConfig
	Log        LogConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LLMConfig holds the configuration of the LLM/ASR provider backing the
// downstream agent capabilities. An empty APIKey means the provider is
// unconfigured and every capability takes its local fallback.
type LLMConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	ASRModel string        `mapstructure:"asr_model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SearchConfig holds the external search capability configuration.
// An empty BaseURL means search is unconfigured and returns empty results.
type SearchConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AgentQueueConfig holds the search-dispatch scheduler configuration.
// Mode is "immediate" or "queued" and can be switched at runtime.
type AgentQueueConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	Mode        string `mapstructure:"mode"`
}

// DatabaseConfig holds the sqlite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from config.yaml in the working directory, or
// from the file pointed to by the CONFIG_PATH environment variable when set.
// A missing config file is not an error; defaults and SHOPAGENT_* environment
// variables cover every key.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("llm.timeout", 30*time.Second)
	viper.SetDefault("llm.asr_model", "whisper-1")
	viper.SetDefault("search.timeout", 15*time.Second)
	viper.SetDefault("agent_queue.concurrency", 3)
	viper.SetDefault("agent_queue.mode", "immediate")
	viper.SetDefault("database.path", "shopagent.db")
	viper.SetDefault("log.level", "info")

	viper.SetEnvPrefix("SHOPAGENT")
	viper.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.AgentQueue.Concurrency <= 0 {
		config.AgentQueue.Concurrency = 3
	}

	return &config, nil
}
