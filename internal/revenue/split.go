// Package revenue computes how a booking total divides between the service
// provider and the platform. All amounts are integer sen.
package revenue

import (
	"errors"
	"fmt"
	"math"

	"github.com/smallbiznis/bookpay/internal/config"
)

const Currency = "MYR"

var (
	ErrNegativePrice    = errors.New("negative_service_price")
	ErrNegativeDistance = errors.New("negative_distance")
)

// Rates are the marketplace pricing constants.
type Rates struct {
	CommissionBps      int64
	PlatformFee        int64
	TravelBaseFee      int64
	TravelBaseRadiusKm float64
	TravelPerKm        int64
	PointsPerRinggit   int64
}

func DefaultRates() Rates {
	return RatesFromConfig(config.DefaultPricingConfig())
}

func RatesFromConfig(cfg config.PricingConfig) Rates {
	return Rates{
		CommissionBps:      cfg.CommissionBps,
		PlatformFee:        cfg.PlatformFee,
		TravelBaseFee:      cfg.TravelBaseFee,
		TravelBaseRadiusKm: cfg.TravelBaseRadiusKm,
		TravelPerKm:        cfg.TravelPerKm,
		PointsPerRinggit:   cfg.PointsPerRinggit,
	}
}

// Split is the derived breakdown stored on every booking.
type Split struct {
	ServicePrice    int64 `json:"service_price"`
	TravelCost      int64 `json:"travel_cost"`
	PlatformFee     int64 `json:"platform_fee"`
	Commission      int64 `json:"commission"`
	ProviderNet     int64 `json:"provider_net"`
	PlatformRevenue int64 `json:"platform_revenue"`
	Total           int64 `json:"total"`
}

// Balanced reports whether the customer total equals what both parties earn.
func (s Split) Balanced() bool {
	return s.Total == s.ProviderNet+s.PlatformRevenue
}

// Calculate splits a service price using the given rates.
func (r Rates) Calculate(servicePrice int64, distanceKm float64, isWalkIn bool) (Split, error) {
	if servicePrice < 0 {
		return Split{}, ErrNegativePrice
	}
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return Split{}, ErrNegativeDistance
	}

	travel := r.TravelCost(distanceKm, isWalkIn)
	commission := roundHalfUpDiv(servicePrice*r.CommissionBps, 10000)

	return Split{
		ServicePrice:    servicePrice,
		TravelCost:      travel,
		PlatformFee:     r.PlatformFee,
		Commission:      commission,
		ProviderNet:     servicePrice - commission + travel,
		PlatformRevenue: commission + r.PlatformFee,
		Total:           servicePrice + travel + r.PlatformFee,
	}, nil
}

// TravelCost is flat inside the base radius and metered per km beyond it.
func (r Rates) TravelCost(distanceKm float64, isWalkIn bool) int64 {
	if isWalkIn {
		return 0
	}
	meters := int64(math.Round(distanceKm * 1000))
	radiusMeters := int64(math.Round(r.TravelBaseRadiusKm * 1000))
	if meters <= radiusMeters {
		return r.TravelBaseFee
	}
	return r.TravelBaseFee + roundHalfUpDiv(r.TravelPerKm*(meters-radiusMeters), 1000)
}

// PointsFor returns the loyalty points a service subtotal earns, rounded down.
func (r Rates) PointsFor(serviceSubtotal int64) int64 {
	if serviceSubtotal <= 0 || r.PointsPerRinggit <= 0 {
		return 0
	}
	return serviceSubtotal * r.PointsPerRinggit / 100
}

// Calculate splits using the default marketplace rates.
func Calculate(servicePrice int64, distanceKm float64, isWalkIn bool) (Split, error) {
	return DefaultRates().Calculate(servicePrice, distanceKm, isWalkIn)
}

// Calculator resolves rates from the hot-reloadable pricing config on every call.
type Calculator struct {
	pricing *config.PricingHolder
}

func NewCalculator(pricing *config.PricingHolder) *Calculator {
	return &Calculator{pricing: pricing}
}

func (c *Calculator) Rates() Rates {
	if c == nil {
		return DefaultRates()
	}
	return RatesFromConfig(c.pricing.Get())
}

func (c *Calculator) Calculate(servicePrice int64, distanceKm float64, isWalkIn bool) (Split, error) {
	return c.Rates().Calculate(servicePrice, distanceKm, isWalkIn)
}

// RoundHalfUpPercent returns amount*percent/100 rounded half-up, for non-negative inputs.
func RoundHalfUpPercent(amount int64, percent int64) int64 {
	return roundHalfUpDiv(amount*percent, 100)
}

func roundHalfUpDiv(numerator, denominator int64) int64 {
	if denominator <= 0 {
		return 0
	}
	if numerator < 0 {
		return -((-numerator + denominator/2) / denominator)
	}
	return (numerator + denominator/2) / denominator
}

// FormatMYR renders sen as a display string, e.g. "RM 37.00".
func FormatMYR(sen int64) string {
	sign := ""
	if sen < 0 {
		sign = "-"
		sen = -sen
	}
	return fmt.Sprintf("%sRM %d.%02d", sign, sen/100, sen%100)
}
