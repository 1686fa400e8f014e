package split

import (
	"github.com/shopspring/decimal"

	"github.com/uplinelabs/upline/backend/internal/money"
)

// PurchaseSplitPolicy holds the five waterfall percentages. At most one
// active row is consulted at a time; each percentage must fall within
// [0,100] for the row to be usable.
type PurchaseSplitPolicy struct {
	ID         int64           `gorm:"primaryKey;autoIncrement"`
	BasePct    decimal.Decimal `gorm:"type:numeric"`
	RefPct     decimal.Decimal `gorm:"type:numeric"`
	CenterPct  decimal.Decimal `gorm:"type:numeric"`
	LevelPct   decimal.Decimal `gorm:"type:numeric"`
	CompanyPct decimal.Decimal `gorm:"type:numeric"`
	IsActive   bool            `gorm:"not null;default:false;index:idx_split_policies_active"`
}

func (PurchaseSplitPolicy) TableName() string {
	return "purchase_split_policies"
}

// Valid reports whether every percentage sits inside [0,100].
func (p PurchaseSplitPolicy) Valid() bool {
	for _, pct := range []decimal.Decimal{p.BasePct, p.RefPct, p.CenterPct, p.LevelPct, p.CompanyPct} {
		if !money.ValidPercent(pct) {
			return false
		}
	}
	return true
}

// Result is the waterfall outcome: a base pool carved from the purchase and
// four pools carved from the base.
type Result struct {
	BaseUSD     decimal.Decimal
	ReferralUSD decimal.Decimal
	CenterUSD   decimal.Decimal
	LevelUSD    decimal.Decimal
	CompanyUSD  decimal.Decimal
}

// Compute distributes purchase across the policy's pools. Non-positive
// purchases produce all-zero pools. All arithmetic is exact decimal.
func Compute(policy PurchaseSplitPolicy, purchase decimal.Decimal) Result {
	if purchase.Sign() <= 0 {
		return Result{
			BaseUSD:     decimal.Zero,
			ReferralUSD: decimal.Zero,
			CenterUSD:   decimal.Zero,
			LevelUSD:    decimal.Zero,
			CompanyUSD:  decimal.Zero,
		}
	}

	base := money.ApplyPercent(purchase, policy.BasePct)
	return Result{
		BaseUSD:     base,
		ReferralUSD: money.ApplyPercent(base, policy.RefPct),
		CenterUSD:   money.ApplyPercent(base, policy.CenterPct),
		LevelUSD:    money.ApplyPercent(base, policy.LevelPct),
		CompanyUSD:  money.ApplyPercent(base, policy.CompanyPct),
	}
}
