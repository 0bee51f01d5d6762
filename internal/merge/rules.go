package merge

import "boilermate/api/internal/store"

// FirstSide returns the side that must approve first: the one with strictly
// fewer snapshot members, or the source side on a tie.
func FirstSide(sourceSize, targetSize int) store.Side {
	if targetSize < sourceSize {
		return store.SideTarget
	}
	return store.SideSource
}

func firstSideOf(request store.MergeRequest) store.Side {
	return FirstSide(len(request.SourceSnapshot), len(request.TargetSnapshot))
}

// Outcome is the aggregate state of one side's votes.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeVetoed
	OutcomeApproved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVetoed:
		return "vetoed"
	case OutcomeApproved:
		return "approved"
	default:
		return "pending"
	}
}

// Tally evaluates the recorded votes of a side against its snapshot. A single
// rejection vetoes the side no matter how many approvals exist; otherwise the
// side is approved once every snapshot member has approved.
func Tally(snapshot []string, votes []store.MergeApproval) Outcome {
	approved := make(map[string]struct{}, len(votes))
	for _, vote := range votes {
		if !vote.Approved {
			return OutcomeVetoed
		}
		approved[vote.ApproverUserID] = struct{}{}
	}
	for _, userID := range snapshot {
		if _, ok := approved[userID]; !ok {
			return OutcomePending
		}
	}
	return OutcomeApproved
}

// AbsorbedSide picks the side whose group is folded into the other at
// finalization, from live member counts. Ties absorb the source.
func AbsorbedSide(sourceCount, targetCount int) store.Side {
	if targetCount < sourceCount {
		return store.SideTarget
	}
	return store.SideSource
}
