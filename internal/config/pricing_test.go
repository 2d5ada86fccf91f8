package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPricingHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yml")
	content := []byte(`pricing:
  commissionBps: 1500
  platformFee: 300
  travelBaseFee: 600
  travelBaseRadiusKm: 5
  travelPerKm: 120
  pointsPerRinggit: 5
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewPricingHolder(Config{PricingFile: path}, zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	require.Equal(t, int64(1500), got.CommissionBps)
	require.Equal(t, int64(300), got.PlatformFee)
	require.Equal(t, int64(600), got.TravelBaseFee)
	require.Equal(t, 5.0, got.TravelBaseRadiusKm)
	require.Equal(t, int64(120), got.TravelPerKm)
	require.Equal(t, int64(5), got.PointsPerRinggit)
}

func TestNewPricingHolderRejectsInvalidCommission(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yml")
	require.NoError(t, os.WriteFile(path, []byte("pricing:\n  commissionBps: 20000\n"), 0o600))

	_, err := NewPricingHolder(Config{PricingFile: path}, zap.NewNop())
	require.Error(t, err)
}

func TestPricingHolderNilFallsBackToDefaults(t *testing.T) {
	var holder *PricingHolder
	require.Equal(t, DefaultPricingConfig(), holder.Get())
}
