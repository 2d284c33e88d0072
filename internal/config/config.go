package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	SolvedAC SolvedACConfig `mapstructure:"solvedac"`
	Profile  ProfileConfig  `mapstructure:"profile"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=trace debug info warn error"`
	Debug    bool   `mapstructure:"debug"`
}

// DatabaseConfig contains the SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// QueueConfig tunes the background task queue.
type QueueConfig struct {
	Workers    int           `mapstructure:"workers" validate:"required,gt=0,lte=64"`
	BackoffCap time.Duration `mapstructure:"backoff_cap" validate:"required,gt=0"`
}

// SolvedACConfig contains the upstream API settings.
type SolvedACConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0"`
}

// ProfileConfig tunes profile synchronization.
type ProfileConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"required,gt=0"`
}
