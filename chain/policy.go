package chain

import (
	"fmt"

	"github.com/ftrueblood1015/skillchain/chain/model"
)

// DecisionKind is the outcome class of a policy decision.
type DecisionKind int

const (
	// DecisionAdvance moves the execution to Decision.TargetLinkID.
	DecisionAdvance DecisionKind = iota + 1
	// DecisionRetrySameLink keeps the current link with attempt
	// Decision.NextAttempt.
	DecisionRetrySameLink
	// DecisionComplete finishes the execution successfully.
	DecisionComplete
	// DecisionEscalate pauses the execution for human intervention.
	DecisionEscalate
	// DecisionForceFail fails the execution.
	DecisionForceFail
)

var decisionNames = map[DecisionKind]string{
	DecisionAdvance:       "Advance",
	DecisionRetrySameLink: "RetrySameLink",
	DecisionComplete:      "Complete",
	DecisionEscalate:      "Escalate",
	DecisionForceFail:     "ForceFail",
}

func (k DecisionKind) String() string {
	if s, ok := decisionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("DecisionKind(%d)", int(k))
}

// Decision is the transition computed for one reported outcome.
type Decision struct {
	Kind DecisionKind

	// TargetLinkID is set for DecisionAdvance.
	TargetLinkID string

	// NextAttempt is the attempt number of the link that runs next: the
	// incremented attempt for a retry within budget, 1 after a link reset or
	// an advance, and 0 when the execution terminates or pauses.
	NextAttempt int

	// TotalFailures is the chain-wide failure count after this outcome.
	TotalFailures int

	// Reason is a human-readable explanation for Escalate and ForceFail.
	Reason string
}

// Policy computes the next transition from a reported outcome.
//
// Implementations must be pure: the same inputs always yield the same
// decision, and nothing is mutated.
type Policy interface {
	Decide(chain *model.SkillChain, link model.Link, attempt int, outcome model.Outcome, totalFailures int) (Decision, error)
}

// DefaultPolicy applies the retry/escalation rules in order:
//
//  1. Success follows the link's on-success transition. NextLink without a
//     following link completes the execution.
//  2. Failure first increments the chain-wide failure count. Exceeding the
//     chain's MaxTotalFailures force-fails the execution regardless of the
//     link's own budget. Otherwise an attempt below MaxRetries retries the
//     same link, and an exhausted budget follows the on-failure transition:
//     Retry restarts the link at attempt 1, GoToLink advances and Escalate
//     pauses for an operator.
//  3. Skipped follows the on-success route with no failure accounting.
//
// The policy assumes referential integrity of GoToLink targets, which is
// checked when a chain is published.
type DefaultPolicy struct{}

var _ Policy = DefaultPolicy{}

func (DefaultPolicy) Decide(chain *model.SkillChain, link model.Link, attempt int, outcome model.Outcome, totalFailures int) (Decision, error) {
	switch outcome {
	case model.OutcomeSuccess, model.OutcomeSkipped:
		return decideSuccess(chain, link, totalFailures), nil
	case model.OutcomeFailure:
		return decideFailure(chain, link, attempt, totalFailures), nil
	default:
		return Decision{}, fmt.Errorf("outcome %s cannot be decided", outcome)
	}
}

func decideSuccess(chain *model.SkillChain, link model.Link, totalFailures int) Decision {
	switch link.OnSuccess {
	case model.SuccessGoToLink:
		return Decision{Kind: DecisionAdvance, TargetLinkID: link.OnSuccessTargetLinkID, NextAttempt: 1, TotalFailures: totalFailures}
	case model.SuccessComplete:
		return Decision{Kind: DecisionComplete, TotalFailures: totalFailures}
	default:
		next, ok := chain.NextByPosition(link.ID)
		if !ok {
			return Decision{Kind: DecisionComplete, TotalFailures: totalFailures}
		}
		return Decision{Kind: DecisionAdvance, TargetLinkID: next.ID, NextAttempt: 1, TotalFailures: totalFailures}
	}
}

func decideFailure(chain *model.SkillChain, link model.Link, attempt, totalFailures int) Decision {
	failures := totalFailures + 1

	if failures > chain.MaxTotalFailures {
		return Decision{
			Kind:          DecisionForceFail,
			TotalFailures: failures,
			Reason: fmt.Sprintf("chain failure limit exceeded: %d failures, limit %d (last failure on link %q)",
				failures, chain.MaxTotalFailures, linkLabel(link)),
		}
	}

	if attempt < link.MaxRetries {
		return Decision{Kind: DecisionRetrySameLink, NextAttempt: attempt + 1, TotalFailures: failures}
	}

	switch link.OnFailure {
	case model.FailureRetry:
		return Decision{Kind: DecisionRetrySameLink, NextAttempt: 1, TotalFailures: failures}
	case model.FailureGoToLink:
		return Decision{Kind: DecisionAdvance, TargetLinkID: link.OnFailureTargetLinkID, NextAttempt: 1, TotalFailures: failures}
	default:
		return Decision{
			Kind:          DecisionEscalate,
			TotalFailures: failures,
			Reason: fmt.Sprintf("link retries exhausted: link %q failed after %d attempt(s) with max retries %d",
				linkLabel(link), attempt, link.MaxRetries),
		}
	}
}

func linkLabel(l model.Link) string {
	if l.Name != "" {
		return l.Name
	}
	return l.ID
}
