package config

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EconomyConfig holds every tunable constant of the credit economy.
type EconomyConfig struct {
	// Decay model
	DecayLambda       float64         // per-second decay constant
	GracePeriod       time.Duration   // lifetime of zero-stake content
	MaxLifespan       time.Duration   // hard cap on content lifetime
	MinEffectiveValue decimal.Decimal // expiry threshold for the closed-form solve

	// Tip split rates (need not sum to 1)
	FeeRate      decimal.Decimal
	AuthorRate   decimal.Decimal
	AncestorRate decimal.Decimal

	// Action costs
	CharacterCost    decimal.Decimal // per character of body text, burned
	ProtocolFee      decimal.Decimal // flat burn on content creation
	BaseReactionCost decimal.Decimal // burned on first reaction
	ReReactionCost   decimal.Decimal // burned when incrementing an existing reaction

	// Accrual
	AccrualRatePerHour decimal.Decimal
	AccrualCap         decimal.Decimal // max uncollected accrual per collection
	MinCollection      decimal.Decimal
	CollectionFee      decimal.Decimal // burned on collection

	// Limits
	MaxBodyLength    int
	MaxEmojiLength   int
	MaxAncestorDepth int
	ReclaimThreshold decimal.Decimal

	// Supply tracking
	SnapshotInterval time.Duration
}

// LoadEconomyConfig reads economy constants from viper with defaults.
// The default lambda decays a value by 1% per day.
func LoadEconomyConfig() *EconomyConfig {
	viper.SetDefault("economy.decay_percent_per_day", 1.0)
	viper.SetDefault("economy.grace_period", 24*time.Hour)
	viper.SetDefault("economy.max_lifespan", 365*24*time.Hour)
	viper.SetDefault("economy.min_effective_value", "0.01")
	viper.SetDefault("economy.fee_rate", "0.03")
	viper.SetDefault("economy.author_rate", "0.85")
	viper.SetDefault("economy.ancestor_rate", "0.12")
	viper.SetDefault("economy.character_cost", "0.001")
	viper.SetDefault("economy.protocol_fee", "0.05")
	viper.SetDefault("economy.base_reaction_cost", "0.01")
	viper.SetDefault("economy.re_reaction_cost", "0.005")
	viper.SetDefault("economy.accrual_rate_per_hour", "0.1")
	viper.SetDefault("economy.accrual_cap", "24.0")
	viper.SetDefault("economy.min_collection", "0.1")
	viper.SetDefault("economy.collection_fee", "0.01")
	viper.SetDefault("economy.max_body_length", 4096)
	viper.SetDefault("economy.max_emoji_length", 32)
	viper.SetDefault("economy.max_ancestor_depth", 8)
	viper.SetDefault("economy.reclaim_threshold", "0.00000001")
	viper.SetDefault("economy.snapshot_interval", time.Hour)

	dailyPct := viper.GetFloat64("economy.decay_percent_per_day")
	lambda := -math.Log(1.0-dailyPct/100.0) / 86400.0

	return &EconomyConfig{
		DecayLambda:        lambda,
		GracePeriod:        viper.GetDuration("economy.grace_period"),
		MaxLifespan:        viper.GetDuration("economy.max_lifespan"),
		MinEffectiveValue:  mustDecimal("economy.min_effective_value"),
		FeeRate:            mustDecimal("economy.fee_rate"),
		AuthorRate:         mustDecimal("economy.author_rate"),
		AncestorRate:       mustDecimal("economy.ancestor_rate"),
		CharacterCost:      mustDecimal("economy.character_cost"),
		ProtocolFee:        mustDecimal("economy.protocol_fee"),
		BaseReactionCost:   mustDecimal("economy.base_reaction_cost"),
		ReReactionCost:     mustDecimal("economy.re_reaction_cost"),
		AccrualRatePerHour: mustDecimal("economy.accrual_rate_per_hour"),
		AccrualCap:         mustDecimal("economy.accrual_cap"),
		MinCollection:      mustDecimal("economy.min_collection"),
		CollectionFee:      mustDecimal("economy.collection_fee"),
		MaxBodyLength:      viper.GetInt("economy.max_body_length"),
		MaxEmojiLength:     viper.GetInt("economy.max_emoji_length"),
		MaxAncestorDepth:   viper.GetInt("economy.max_ancestor_depth"),
		ReclaimThreshold:   mustDecimal("economy.reclaim_threshold"),
		SnapshotInterval:   viper.GetDuration("economy.snapshot_interval"),
	}
}

func mustDecimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(viper.GetString(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}
