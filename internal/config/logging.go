package config

import "sitereport/internal/logging"

// LoggingConfig is the logging section. Category files are only written
// when DebugMode is on; Categories switches individual ones off.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`
	Format     string          `yaml:"format" json:"format,omitempty"` // "json" or "text"
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"`
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`
}

// Options converts the section into logging package options.
func (c *LoggingConfig) Options() logging.Options {
	return logging.Options{
		DebugMode:  c.DebugMode,
		Categories: c.Categories,
		Level:      c.Level,
		JSONFormat: c.Format == "json",
	}
}
