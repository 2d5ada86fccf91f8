package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PricingConfig carries the marketplace rates. Amounts are in sen.
type PricingConfig struct {
	CommissionBps      int64   `mapstructure:"commissionBps"`
	PlatformFee        int64   `mapstructure:"platformFee"`
	TravelBaseFee      int64   `mapstructure:"travelBaseFee"`
	TravelBaseRadiusKm float64 `mapstructure:"travelBaseRadiusKm"`
	TravelPerKm        int64   `mapstructure:"travelPerKm"`
	PointsPerRinggit   int64   `mapstructure:"pointsPerRinggit"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		CommissionBps:      1200,
		PlatformFee:        200,
		TravelBaseFee:      500,
		TravelBaseRadiusKm: 4,
		TravelPerKm:        100,
		PointsPerRinggit:   10,
	}
}

type PricingHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricingHolder returns a holder that never reloads.
func NewStaticPricingHolder(cfg PricingConfig) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPricingHolder(cfg Config, log *zap.Logger) (*PricingHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("pricing.config")

	v := viper.New()
	if cfg.PricingFile != "" {
		v.SetConfigFile(cfg.PricingFile)
	} else {
		v.SetConfigName("pricing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/bookpay")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BOOKPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricingConfig()
	v.SetDefault("pricing.commissionBps", defaults.CommissionBps)
	v.SetDefault("pricing.platformFee", defaults.PlatformFee)
	v.SetDefault("pricing.travelBaseFee", defaults.TravelBaseFee)
	v.SetDefault("pricing.travelBaseRadiusKm", defaults.TravelBaseRadiusKm)
	v.SetDefault("pricing.travelPerKm", defaults.TravelPerKm)
	v.SetDefault("pricing.pointsPerRinggit", defaults.PointsPerRinggit)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var pricing PricingConfig
	if err := v.UnmarshalKey("pricing", &pricing); err != nil {
		return nil, err
	}
	if err := validatePricingConfig(pricing); err != nil {
		return nil, err
	}

	holder := NewStaticPricingHolder(pricing)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Warn("pricing reload failed", zap.Error(err))
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Warn("invalid pricing config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PricingHolder) Get() PricingConfig {
	if h == nil {
		return DefaultPricingConfig()
	}
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	if cfg.CommissionBps < 0 || cfg.CommissionBps > 10000 {
		return errors.New("pricing.commissionBps must be between 0 and 10000")
	}
	if cfg.PlatformFee < 0 || cfg.TravelBaseFee < 0 || cfg.TravelPerKm < 0 {
		return errors.New("pricing amounts cannot be negative")
	}
	if cfg.TravelBaseRadiusKm < 0 {
		return errors.New("pricing.travelBaseRadiusKm cannot be negative")
	}
	if cfg.PointsPerRinggit < 0 {
		return errors.New("pricing.pointsPerRinggit cannot be negative")
	}
	return nil
}
