package leveling

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uplinelabs/upline/backend/internal/money"
)

// UserMetrics is a point-in-time snapshot of the quantities the requirement
// kinds evaluate against. Collected by the worker, consumed by the pure
// evaluator.
type UserMetrics struct {
	NodeAmountUSD   decimal.Decimal
	GroupSalesUSD   decimal.Decimal
	DirectReferrals int
	// DownlineLevelCounts maps an exact level to the number of direct
	// downlines currently at that level.
	DownlineLevelCounts map[int]int
}

// DownlinesAtOrAbove counts direct downlines whose level is at least target.
func (m UserMetrics) DownlinesAtOrAbove(target int) int {
	total := 0
	for level, count := range m.DownlineLevelCounts {
		if level >= target {
			total += count
		}
	}
	return total
}

// LevelSpec is one policy level with its requirement groups, flattened for
// evaluation.
type LevelSpec struct {
	Level  int
	Groups [][]Requirement
}

// EvaluateLevel returns the level a user should hold: the highest policy
// level with at least one fully satisfied requirement group, never below
// currentLevel. Demotion is deliberately not modeled; a user keeps a level
// they no longer qualify for.
func EvaluateLevel(currentLevel int, metrics UserMetrics, levels []LevelSpec) int {
	ordered := make([]LevelSpec, len(levels))
	copy(ordered, levels)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Level > ordered[j].Level })

	for _, spec := range ordered {
		if spec.Level <= currentLevel {
			break
		}
		if anyGroupSatisfied(metrics, spec.Groups) {
			return spec.Level
		}
	}
	return currentLevel
}

func anyGroupSatisfied(metrics UserMetrics, groups [][]Requirement) bool {
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		if allRequirementsSatisfied(metrics, group) {
			return true
		}
	}
	return false
}

func allRequirementsSatisfied(metrics UserMetrics, group []Requirement) bool {
	for _, requirement := range group {
		if !requirementSatisfied(metrics, requirement) {
			return false
		}
	}
	return true
}

func requirementSatisfied(metrics UserMetrics, requirement Requirement) bool {
	switch requirement.Kind {
	case RequirementMinNodeAmount:
		return metrics.NodeAmountUSD.GreaterThanOrEqual(money.ParseAmountOrZero(requirement.MinAmountUSD))
	case RequirementMinGroupSales:
		return metrics.GroupSalesUSD.GreaterThanOrEqual(money.ParseAmountOrZero(requirement.MinAmountUSD))
	case RequirementMinDirectReferrals:
		return metrics.DirectReferrals >= requirement.MinCount
	case RequirementMinDownlinesAtLvl:
		return metrics.DownlinesAtOrAbove(requirement.TargetLevel) >= requirement.MinCount
	default:
		// Unknown kinds never satisfy; a future kind must not silently
		// widen existing groups.
		return false
	}
}
