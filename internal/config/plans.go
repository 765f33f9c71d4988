package config

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PlanConfig describes the credit economics of the subscription tiers and the
// platform-pool fallback policy. It is loaded from plans.yml when present and
// hot-reloaded on change so allowance adjustments do not require a restart.
type PlanConfig struct {
	Allowances       map[string]int64 `mapstructure:"allowances"`
	PoolFallbackFor  []string         `mapstructure:"poolFallbackFor"`
	DefaultTier      string           `mapstructure:"defaultTier"`
	CreditsPerImage  int64            `mapstructure:"creditsPerImage"`
	StaleTaskTimeout string           `mapstructure:"staleTaskTimeout"`
}

const (
	TierFree = "FREE"
	TierPlus = "PLUS"
	TierPro  = "PRO"
)

func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		Allowances: map[string]int64{
			TierFree: 5,
			TierPlus: 50,
			TierPro:  200,
		},
		PoolFallbackFor: []string{TierPlus, TierPro},
		DefaultTier:     TierFree,
		CreditsPerImage: 1,
	}
}

// AllowanceFor returns the monthly allowance for a tier, zero for unknown tiers.
func (c PlanConfig) AllowanceFor(tier string) int64 {
	return c.Allowances[NormalizeTier(tier)]
}

// PoolFallbackAllowed reports whether a tier may draw on the platform pool
// when the personal balance is short.
func (c PlanConfig) PoolFallbackAllowed(tier string) bool {
	tier = NormalizeTier(tier)
	for _, allowed := range c.PoolFallbackFor {
		if NormalizeTier(allowed) == tier {
			return true
		}
	}
	return false
}

func NormalizeTier(raw string) string {
	value := strings.ToUpper(strings.TrimSpace(raw))
	switch value {
	case TierFree, TierPlus, TierPro:
		return value
	default:
		return ""
	}
}

// PlanConfigHolder serves the current PlanConfig to concurrent readers.
type PlanConfigHolder struct {
	current atomic.Value // holds PlanConfig
}

func NewPlanConfigHolder(log *zap.Logger) (*PlanConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/preset-credits")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PRESET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PlanConfigHolder{}

	load := func() PlanConfig {
		cfg := DefaultPlanConfig()
		if err := v.UnmarshalKey("plans", &cfg); err != nil {
			log.Warn("invalid plans config, keeping defaults", zap.Error(err))
			return DefaultPlanConfig()
		}
		if len(cfg.Allowances) == 0 {
			cfg.Allowances = DefaultPlanConfig().Allowances
		}
		if cfg.CreditsPerImage <= 0 {
			cfg.CreditsPerImage = 1
		}
		if NormalizeTier(cfg.DefaultTier) == "" {
			cfg.DefaultTier = TierFree
		}
		return cfg
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultPlanConfig())
	} else {
		holder.current.Store(load())
		v.OnConfigChange(func(_ fsnotify.Event) {
			holder.current.Store(load())
			log.Info("plans config reloaded")
		})
		v.WatchConfig()
	}

	return holder, nil
}

// Current returns the active plan configuration.
func (h *PlanConfigHolder) Current() PlanConfig {
	if cfg, ok := h.current.Load().(PlanConfig); ok {
		return cfg
	}
	return DefaultPlanConfig()
}

// Store replaces the active configuration. Intended for tests.
func (h *PlanConfigHolder) Store(cfg PlanConfig) {
	h.current.Store(cfg)
}
