package proposal

import "github.com/teamfolio/trade-engine/internal/model"

// Need is the number of approvals that passes a proposal in a team of
// teamSize members: a strict majority of the whole team, not of votes cast.
func Need(teamSize int) int {
	return teamSize/2 + 1
}

// Resolve evaluates the tally after a vote. It returns StatusPassed once
// approvals reach a majority of the team, StatusRejected once the members
// who have not rejected or abstained can no longer form a majority, and
// StatusOngoing otherwise.
func Resolve(teamSize, approve, reject, abstain int) model.Status {
	need := Need(teamSize)
	switch {
	case approve >= need:
		return model.StatusPassed
	case teamSize-(reject+abstain) < need:
		return model.StatusRejected
	default:
		return model.StatusOngoing
	}
}
