package series

import (
	"fmt"
	"math"

	"seriesview/internal/errors"
)

// RefillPolicy decides which preload bounds a woken worker uses.
type RefillPolicy string

const (
	// RefillLatest hands the worker the bounds of the most recent SetRange.
	RefillLatest RefillPolicy = "latest"
	// RefillPinned keeps the bounds captured when the worker started and
	// only refreshes the loader on later wakes.
	RefillPinned RefillPolicy = "pinned"
)

// DefaultPreloadFactor pads each side of the visible range by 20% of its span.
const DefaultPreloadFactor = 0.2

// Config configures a Buffer.
type Config struct {
	Name          string       `yaml:"name"`
	PreloadFactor float64      `yaml:"preload_factor"`
	RefillPolicy  RefillPolicy `yaml:"refill_policy"`
}

// DefaultConfig returns the configuration used when New is given nil.
func DefaultConfig() *Config {
	return &Config{
		Name:          "series",
		PreloadFactor: DefaultPreloadFactor,
		RefillPolicy:  RefillLatest,
	}
}

// Validate checks the factor and policy.
func (c *Config) Validate() error {
	f := c.PreloadFactor
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.ErrInvalidConfiguration.WithDetails(fmt.Sprintf("preload factor must be finite and non-negative, got %v", f))
	}
	switch c.RefillPolicy {
	case RefillLatest, RefillPinned:
	default:
		return errors.ErrInvalidConfiguration.WithDetails(fmt.Sprintf("unknown refill policy %q", c.RefillPolicy))
	}
	return nil
}

// ParseRefillPolicy maps a config string to a policy. Empty means latest.
func ParseRefillPolicy(s string) (RefillPolicy, error) {
	switch RefillPolicy(s) {
	case "", RefillLatest:
		return RefillLatest, nil
	case RefillPinned:
		return RefillPinned, nil
	default:
		return "", errors.ErrInvalidConfiguration.WithDetails(fmt.Sprintf("unknown refill policy %q", s))
	}
}
