package workflow

import "time"

// Config bounds the engine's loops and the lifetime of stored conversations
type Config struct {
	// MaxRefinementRounds caps Evaluate -> BuildQuery loops per conversation
	MaxRefinementRounds int `mapstructure:"max_refinement_rounds"`
	// MaxClarificationRounds caps re-extraction passes per dimension once detail exists
	MaxClarificationRounds int `mapstructure:"max_clarification_rounds"`
	// SuspendedTTL evicts conversations nobody resumes
	SuspendedTTL time.Duration `mapstructure:"suspended_ttl"`
	// CompletedRetention keeps completed conversations readable; 0 deletes on delivery
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	// StageTimeout bounds a single stage handler; 0 means no bound
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		MaxRefinementRounds:    3,
		MaxClarificationRounds: 2,
		SuspendedTTL:           24 * time.Hour,
		CompletedRetention:     10 * time.Minute,
		StageTimeout:           2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRefinementRounds < 0 {
		c.MaxRefinementRounds = d.MaxRefinementRounds
	}
	if c.MaxClarificationRounds < 0 {
		c.MaxClarificationRounds = d.MaxClarificationRounds
	}
	if c.SuspendedTTL <= 0 {
		c.SuspendedTTL = d.SuspendedTTL
	}
	if c.CompletedRetention < 0 {
		c.CompletedRetention = 0
	}
	if c.StageTimeout < 0 {
		c.StageTimeout = 0
	}
	return c
}
