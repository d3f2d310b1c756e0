package proposal_test

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/proposal"
)

func TestNeed(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 10: 6}
	for size, want := range cases {
		if got := proposal.Need(size); got != want {
			t.Errorf("Need(%d) = %d, want %d", size, got, want)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name                           string
		size, approve, reject, abstain int
		want                           model.Status
	}{
		{"solo approve", 1, 1, 0, 0, model.StatusPassed},
		{"solo reject", 1, 0, 1, 0, model.StatusRejected},
		{"two of three", 3, 2, 0, 0, model.StatusPassed},
		{"one of three", 3, 1, 0, 0, model.StatusOngoing},
		{"reject and abstain of three", 3, 0, 1, 1, model.StatusRejected},
		{"one reject of three", 3, 1, 1, 0, model.StatusOngoing},
		{"pair needs both", 2, 1, 0, 0, model.StatusOngoing},
		{"pair split", 2, 1, 1, 0, model.StatusRejected},
		{"abstain counts against", 4, 2, 0, 2, model.StatusRejected},
		{"majority of four", 4, 3, 1, 0, model.StatusPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := proposal.Resolve(tt.size, tt.approve, tt.reject, tt.abstain)
			if got != tt.want {
				t.Errorf("Resolve(%d, %d, %d, %d) = %s, want %s",
					tt.size, tt.approve, tt.reject, tt.abstain, got, tt.want)
			}
		})
	}
}

// An ongoing proposal can still go either way: all remaining members
// approving passes it and all of them rejecting rejects it.
func TestResolve_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 10).Draw(t, "size")
		approve := rapid.IntRange(0, size).Draw(t, "approve")
		reject := rapid.IntRange(0, size-approve).Draw(t, "reject")
		abstain := rapid.IntRange(0, size-approve-reject).Draw(t, "abstain")
		undecided := size - approve - reject - abstain

		got := proposal.Resolve(size, approve, reject, abstain)
		switch got {
		case model.StatusPassed:
			if approve < proposal.Need(size) {
				t.Fatalf("passed with %d approvals, need %d", approve, proposal.Need(size))
			}
		case model.StatusRejected:
			if approve+undecided >= proposal.Need(size) {
				t.Fatalf("rejected while %d approvals are still reachable", approve+undecided)
			}
		case model.StatusOngoing:
			if undecided == 0 {
				t.Fatalf("ongoing with every member voted: %d/%d/%d of %d", approve, reject, abstain, size)
			}
			if s := proposal.Resolve(size, approve+undecided, reject, abstain); s != model.StatusPassed {
				t.Fatalf("remaining approvals give %s, want passed", s)
			}
			if s := proposal.Resolve(size, approve, reject+undecided, abstain); s != model.StatusRejected {
				t.Fatalf("remaining rejections give %s, want rejected", s)
			}
		default:
			t.Fatalf("unexpected status %s", got)
		}
	})
}
