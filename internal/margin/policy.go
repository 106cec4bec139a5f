// Package margin decides how much profit a lot must show before it may be
// sold. The required margin is a configured baseline scaled by two
// independent factors: one from the price trend and one from the inventory
// depth. The factors multiply, and the product is clamped to [Floor, Ceiling].
package margin

import (
	"fmt"
	"math"
	"time"

	"lotBroker/internal/domain"
)

// Config holds the margin policy parameters.
type Config struct {
	Baseline float64 // Margin required with a neutral trend and inventory (e.g., 0.05 for 5%)
	Floor    float64 // Lowest margin ever returned, must be > 0
	Ceiling  float64 // Highest margin ever returned

	// Trend adjustment
	TrendWeight     float64       // Extra margin share at full trough confidence (1.0 doubles the baseline)
	TrendBand       float64       // Position ratio above 1.0 at which the trend adjustment fades out
	TrendSaturation time.Duration // Time at the minimum after which confidence is complete

	// Inventory adjustment
	InventoryWeight    float64 // Extra margin share with an empty inventory
	InventoryMinFactor float64 // Lower bound of the inventory factor for large holdings
}

// DefaultConfig returns the defaults used by the service.
func DefaultConfig() Config {
	return Config{
		Baseline:           0.05,
		Floor:              0.01,
		Ceiling:            0.50,
		TrendWeight:        1.0,
		TrendBand:          0.25,
		TrendSaturation:    14 * 24 * time.Hour,
		InventoryWeight:    0.5,
		InventoryMinFactor: 0.5,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.Floor <= 0 {
		return fmt.Errorf("margin floor must be positive, got %f", c.Floor)
	}
	if c.Ceiling < c.Floor {
		return fmt.Errorf("margin ceiling %f is below the floor %f", c.Ceiling, c.Floor)
	}
	if c.Baseline <= 0 {
		return fmt.Errorf("baseline margin must be positive, got %f", c.Baseline)
	}
	if c.TrendWeight < 0 || c.InventoryWeight < 0 {
		return fmt.Errorf("adjustment weights cannot be negative")
	}
	if c.TrendBand <= 0 {
		return fmt.Errorf("trend band must be positive, got %f", c.TrendBand)
	}
	if c.TrendSaturation <= 0 {
		return fmt.Errorf("trend saturation must be positive, got %s", c.TrendSaturation)
	}
	if c.InventoryMinFactor <= 0 || c.InventoryMinFactor > 1 {
		return fmt.Errorf("inventory min factor must be in (0, 1], got %f", c.InventoryMinFactor)
	}
	return nil
}

// Policy computes the required margin. It is stateless and safe for
// concurrent use.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy after validating cfg.
func NewPolicy(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid margin policy config: %w", err)
	}
	return &Policy{cfg: cfg}, nil
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// RequiredMargin returns the fractional margin a lot must clear to be sold.
func (p *Policy) RequiredMargin(trend domain.TrendState, inventoryRatio float64) float64 {
	m := p.cfg.Baseline * TrendFactor(trend, p.cfg) * InventoryFactor(inventoryRatio, p.cfg)
	return clamp(m, p.cfg.Floor, p.cfg.Ceiling)
}

// TrendFactor is >= 1 and grows as the price approaches its sustained minimum
// and the longer it stays there. A neutral trend yields exactly 1.
func TrendFactor(trend domain.TrendState, cfg Config) float64 {
	if !trend.Sustained {
		return 1
	}
	// 1 at or below the minimum, 0 once the price is TrendBand above it.
	proximity := clamp(1-(trend.PositionRatio-1)/cfg.TrendBand, 0, 1)
	confidence := clamp(float64(trend.NearMinDuration)/float64(cfg.TrendSaturation), 0, 1)
	return 1 + cfg.TrendWeight*proximity*confidence
}

// InventoryFactor is 1 at the reference holding, larger when the inventory is
// scarce and smaller when it is deep. It never increases with ratio.
func InventoryFactor(ratio float64, cfg Config) float64 {
	if math.IsNaN(ratio) || ratio < 0 {
		ratio = 0
	}
	return clamp(1+cfg.InventoryWeight*(1-ratio), cfg.InventoryMinFactor, 1+cfg.InventoryWeight)
}

// InventoryRatio relates the held quantity to the target holding. A
// non-positive target disables the inventory adjustment (ratio 1).
func InventoryRatio(held, target float64) float64 {
	if target <= 0 {
		return 1
	}
	if held < 0 {
		return 0
	}
	return held / target
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
