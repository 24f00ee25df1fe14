package usecase

import "github.com/vitos/option_price_monitor/internal/domain"

// EvaluateCrossing decides whether a price move from prev to curr crosses
// target. The boundary is inclusive on the new-price side and exclusive on
// the previous-price side, so a task sitting exactly at target (prev == target)
// does not re-trigger on a flat update.
func EvaluateCrossing(prev, curr, target float64) domain.TriggerDirection {
	if prev < target && target <= curr {
		return domain.DirectionUpCross
	}
	if prev > target && target >= curr {
		return domain.DirectionDownCross
	}
	return domain.DirectionNone
}
