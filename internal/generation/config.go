package generation

import "time"

// Config holds the orchestrator's tunables.
type Config struct {
	Costs         CostModel
	PartialCharge PartialChargePolicy

	LedgerTimeout  time.Duration
	PublishTimeout time.Duration
	NotifyTimeout  time.Duration

	MaxPromptLength    int
	DefaultSampleCount int
	MaxSampleCount     int

	// CallbackQueue is advertised to workers in every job.
	CallbackQueue string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Costs:              DefaultCostModel(),
		PartialCharge:      FullCharge(),
		LedgerTimeout:      5 * time.Second,
		PublishTimeout:     5 * time.Second,
		NotifyTimeout:      3 * time.Second,
		MaxPromptLength:    4000,
		DefaultSampleCount: 4,
		MaxSampleCount:     8,
		CallbackQueue:      "generation_callbacks",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Costs == (CostModel{}) {
		c.Costs = def.Costs
	}
	if c.PartialCharge == nil {
		c.PartialCharge = def.PartialCharge
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = def.LedgerTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = def.NotifyTimeout
	}
	if c.DefaultSampleCount <= 0 {
		c.DefaultSampleCount = def.DefaultSampleCount
	}
	if c.MaxSampleCount <= 0 {
		c.MaxSampleCount = def.MaxSampleCount
	}
	return c
}
