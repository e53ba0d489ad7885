package synchub

import (
	"github.com/chittyos/chittyrouter/internal/model"
)

// Strategy selects how concurrent todo updates are resolved.
type Strategy string

const (
	StrategyLastWriteWins  Strategy = "last_write_wins"
	StrategyStatusPriority Strategy = "status_priority"
	StrategyKeepBoth       Strategy = "keep_both"
)

// ValidStrategy reports whether s is a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyLastWriteWins, StrategyStatusPriority, StrategyKeepBoth:
		return true
	}
	return false
}

// pickWinner resolves a concurrent pair under last_write_wins or
// status_priority. keep_both never reaches here.
func pickWinner(strategy Strategy, local, incoming model.Todo) model.Todo {
	switch strategy {
	case StrategyStatusPriority:
		lr, ir := model.StatusRank(local.Status), model.StatusRank(incoming.Status)
		if lr != ir {
			if lr > ir {
				return local
			}
			return incoming
		}
		return lastWriteWins(local, incoming)
	default:
		return lastWriteWins(local, incoming)
	}
}

// lastWriteWins picks the larger updatedAt, tiebreaking by clock component
// sum so the result is deterministic on both sides of a sync.
func lastWriteWins(local, incoming model.Todo) model.Todo {
	if incoming.UpdatedAt.After(local.UpdatedAt) {
		return incoming
	}
	if local.UpdatedAt.After(incoming.UpdatedAt) {
		return local
	}
	if incoming.Clock.Sum() > local.Clock.Sum() {
		return incoming
	}
	return local
}
