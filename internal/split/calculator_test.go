package split

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func pct(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("bad percentage %q: %v", value, err)
	}
	return parsed
}

func TestComputeWaterfallVectors(t *testing.T) {
	policy := PurchaseSplitPolicy{
		BasePct:    pct(t, "50"),
		RefPct:     pct(t, "20"),
		CenterPct:  pct(t, "10"),
		LevelPct:   pct(t, "30"),
		CompanyPct: pct(t, "40"),
	}

	result := Compute(policy, decimal.NewFromInt(1000))

	if !result.BaseUSD.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected base 500, got %s", result.BaseUSD)
	}
	if !result.ReferralUSD.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected referral 100, got %s", result.ReferralUSD)
	}
	if !result.CenterUSD.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected center 50, got %s", result.CenterUSD)
	}
	if !result.LevelUSD.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected level 150, got %s", result.LevelUSD)
	}
	if !result.CompanyUSD.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected company 200, got %s", result.CompanyUSD)
	}
}

func TestComputeNonPositivePurchaseYieldsZeroPools(t *testing.T) {
	policy := PurchaseSplitPolicy{
		BasePct: pct(t, "50"),
		RefPct:  pct(t, "20"),
	}

	for _, purchase := range []decimal.Decimal{decimal.NewFromInt(-5), decimal.Zero} {
		result := Compute(policy, purchase)
		if !result.BaseUSD.IsZero() || !result.ReferralUSD.IsZero() ||
			!result.CenterUSD.IsZero() || !result.LevelUSD.IsZero() || !result.CompanyUSD.IsZero() {
			t.Fatalf("expected zero pools for purchase %s, got %+v", purchase, result)
		}
	}
}

func TestComputeIsDecimalExact(t *testing.T) {
	policy := PurchaseSplitPolicy{
		BasePct: pct(t, "33.33"),
		RefPct:  pct(t, "7.5"),
	}

	result := Compute(policy, decimal.RequireFromString("0.01"))

	// 0.01 × 33.33 / 100 = 0.003333 exactly.
	if !result.BaseUSD.Equal(decimal.RequireFromString("0.003333")) {
		t.Fatalf("expected exact base 0.003333, got %s", result.BaseUSD)
	}
	// 0.003333 × 7.5 / 100 = 0.000249975 exactly.
	if !result.ReferralUSD.Equal(decimal.RequireFromString("0.000249975")) {
		t.Fatalf("expected exact referral 0.000249975, got %s", result.ReferralUSD)
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:split_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&PurchaseSplitPolicy{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct split service: %v", err)
	}
	return service, db
}

func TestActivePolicyAbsentRow(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.ActivePolicy(context.Background())
	if !errors.Is(err, ErrNoActivePolicy) {
		t.Fatalf("expected ErrNoActivePolicy, got %v", err)
	}
}

func TestActivePolicyRejectsOutOfRangePercentages(t *testing.T) {
	service, db := newTestService(t)

	policy := PurchaseSplitPolicy{
		BasePct:  pct(t, "150"),
		IsActive: true,
	}
	if err := db.Create(&policy).Error; err != nil {
		t.Fatalf("failed to seed policy: %v", err)
	}

	_, err := service.ActivePolicy(context.Background())
	if !errors.Is(err, ErrNoActivePolicy) {
		t.Fatalf("expected invalid policy treated as absent, got %v", err)
	}
}

func TestActivePolicyReturnsValidRow(t *testing.T) {
	service, db := newTestService(t)

	policy := PurchaseSplitPolicy{
		BasePct:    pct(t, "50"),
		RefPct:     pct(t, "20"),
		CenterPct:  pct(t, "10"),
		LevelPct:   pct(t, "10"),
		CompanyPct: pct(t, "10"),
		IsActive:   true,
	}
	if err := db.Create(&policy).Error; err != nil {
		t.Fatalf("failed to seed policy: %v", err)
	}

	stored, err := service.ActivePolicy(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stored.BasePct.Equal(pct(t, "50")) {
		t.Fatalf("expected base pct 50, got %s", stored.BasePct)
	}
}
