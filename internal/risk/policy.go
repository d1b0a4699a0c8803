// Package risk implements the liquidation policy: the maintenance-margin
// threshold below which a position becomes liquidatable, and the split of
// a liquidated payout between liquidator reward and trader remainder.
//
// Liquidators are economically incentivized to police undercollateralized
// positions before losses exceed the custody pool.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidBps is returned when a policy is constructed with a basis
// point parameter outside (0, 10000].
var ErrInvalidBps = errors.New("risk: basis points must be in (0, 10000]")

var bpsDenominator = decimal.NewFromInt(10_000)

// Policy holds the liquidation parameters. Both values are basis points
// of 10000 and are validated at construction.
type Policy struct {
	// MaintenanceMarginBps sets the liquidation threshold as a fraction
	// of the position's margin.
	MaintenanceMarginBps int64

	// LiquidationRewardBps sets the liquidator's share of the payout.
	LiquidationRewardBps int64
}

// NewPolicy validates the parameters and returns a Policy.
func NewPolicy(maintenanceMarginBps, liquidationRewardBps int64) (*Policy, error) {
	if maintenanceMarginBps <= 0 || maintenanceMarginBps > 10_000 {
		return nil, ErrInvalidBps
	}
	if liquidationRewardBps <= 0 || liquidationRewardBps > 10_000 {
		return nil, ErrInvalidBps
	}
	return &Policy{
		MaintenanceMarginBps: maintenanceMarginBps,
		LiquidationRewardBps: liquidationRewardBps,
	}, nil
}

// Threshold returns margin * maintenanceMarginBps / 10000, truncated.
func (p *Policy) Threshold(margin decimal.Decimal) decimal.Decimal {
	q, _ := margin.Mul(decimal.NewFromInt(p.MaintenanceMarginBps)).QuoRem(bpsDenominator, 0)
	return q
}

// Liquidatable reports whether a position paying out payout against
// margin is eligible for liquidation: payout strictly below the
// maintenance threshold. Payout equal to the threshold is safe.
func (p *Policy) Liquidatable(payout, margin decimal.Decimal) bool {
	return payout.LessThan(p.Threshold(margin))
}

// RewardSplit divides a liquidated payout into the liquidator's reward
// and the trader's remainder. The reward is payout * rewardBps / 10000,
// truncated, and never exceeds the custody pool balance. The two parts
// always sum to payout exactly — truncation shifts value to the trader,
// never out of the system.
func (p *Policy) RewardSplit(payout, poolBalance decimal.Decimal) (reward, toTrader decimal.Decimal) {
	reward, _ = payout.Mul(decimal.NewFromInt(p.LiquidationRewardBps)).QuoRem(bpsDenominator, 0)
	if reward.GreaterThan(poolBalance) {
		reward = poolBalance
	}
	return reward, payout.Sub(reward)
}
