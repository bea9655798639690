package framecache

import (
	"encoding/json"
	"fmt"
	"os"
)

const DefaultCapacity = 32
const MinCapacity = 4
const MaxCapacity = 1024

// Config controls the size of the cache, and when the worker refills it.
// Zero values are replaced by defaults.
type Config struct {
	Capacity           int `json:"capacity"`           // Number of frames in the pool
	BalancedAhead      int `json:"balancedAhead"`      // Target size of the ahead queue. Default Capacity/2 - 1
	BalancedBehind     int `json:"balancedBehind"`     // Target size of the behind queue. Default Capacity/2
	AheadRefill        int `json:"aheadRefill"`        // Start decoding forward when the ahead queue drops below this
	BehindRefill       int `json:"behindRefill"`       // Start decoding backward when the behind queue drops below this
	LoanSlack          int `json:"loanSlack"`          // Frames reserved for the consumer to hold on loan
	MaxBackwardRetries int `json:"maxBackwardRetries"` // Seek point retries during backward fill, before falling back to the stream start
	ForwardSkipLimit   int `json:"forwardSkipLimit"`   // Decode and discard up to this many frames instead of seeking
}

// Fill in zero values with defaults
func (c *Config) SetDefaults() {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BalancedAhead == 0 {
		c.BalancedAhead = c.Capacity/2 - 1
	}
	if c.BalancedBehind == 0 {
		c.BalancedBehind = c.Capacity / 2
	}
	if c.AheadRefill == 0 {
		c.AheadRefill = c.BalancedAhead
	}
	if c.BehindRefill == 0 {
		c.BehindRefill = max(1, c.BalancedBehind/2)
	}
	if c.LoanSlack == 0 {
		c.LoanSlack = 1
	}
	if c.MaxBackwardRetries == 0 {
		c.MaxBackwardRetries = 4
	}
	if c.ForwardSkipLimit == 0 {
		c.ForwardSkipLimit = c.Capacity
	}
}

// Validate returns an error if the configuration cannot work
func (c *Config) Validate() error {
	if c.Capacity < MinCapacity || c.Capacity > MaxCapacity {
		return fmt.Errorf("capacity %v is out of range [%v, %v]", c.Capacity, MinCapacity, MaxCapacity)
	}
	if c.BalancedAhead < 1 || c.BalancedBehind < 1 {
		return fmt.Errorf("balancedAhead (%v) and balancedBehind (%v) must be positive", c.BalancedAhead, c.BalancedBehind)
	}
	if c.LoanSlack < 0 {
		return fmt.Errorf("loanSlack (%v) may not be negative", c.LoanSlack)
	}
	if c.BalancedAhead+c.BalancedBehind > c.Capacity-c.LoanSlack {
		return fmt.Errorf("balancedAhead (%v) + balancedBehind (%v) exceeds capacity (%v) - loanSlack (%v)", c.BalancedAhead, c.BalancedBehind, c.Capacity, c.LoanSlack)
	}
	if c.AheadRefill < 1 || c.AheadRefill > c.BalancedAhead {
		return fmt.Errorf("aheadRefill (%v) must be in [1, balancedAhead]", c.AheadRefill)
	}
	if c.BehindRefill < 1 || c.BehindRefill > c.BalancedBehind {
		return fmt.Errorf("behindRefill (%v) must be in [1, balancedBehind]", c.BehindRefill)
	}
	if c.MaxBackwardRetries < 0 || c.ForwardSkipLimit < 0 {
		return fmt.Errorf("maxBackwardRetries and forwardSkipLimit may not be negative")
	}
	return nil
}

// LoadConfig reads a JSON config file. Missing fields take their default values.
func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	cfg.SetDefaults()
	return cfg, nil
}
