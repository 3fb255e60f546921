// Package policy classifies a patchset's reviews and approvals against a
// branch's requirements, consulting the permission oracle for group
// membership of principals who have voted '+'.
package policy

import (
	"context"
	"sort"

	"github.com/mozilla/autoland/internal/assembler"
	"github.com/mozilla/autoland/internal/oracle"
)

// Outcome classifies a patchset's review or approval state.
type Outcome int

const (
	// PASS means every patch has an affirming vote from an authorized
	// principal and no rejecting vote.
	PASS Outcome = iota
	// FAIL means at least one patch carries a '-' vote.
	FAIL
	// INVALID means at least one patch's only '+' votes came from
	// principals outside the required group.
	INVALID
	// PENDING means at least one patch has no decisive vote yet.
	PENDING
)

func (o Outcome) String() string {
	switch o {
	case PASS:
		return "PASS"
	case FAIL:
		return "FAIL"
	case INVALID:
		return "INVALID"
	case PENDING:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of evaluating a patchset, plus the offending patch
// IDs when the outcome is not PASS.
type Result struct {
	Outcome  Outcome
	Offenders []int
}

// classifyPatch applies FAIL > INVALID > PENDING > PASS precedence to a
// single patch's votes.
func classifyPatch(ctx context.Context, o oracle.Oracle, group string, votes []assembler.Vote) (Outcome, error) {
	sawAuthorizedPlus := false
	sawPending := false
	sawUnauthorizedPlus := false

	for _, v := range votes {
		switch v.Result {
		case '-':
			return FAIL, nil
		case '+':
			ok, err := o.InGroup(ctx, v.Principal.Email, group)
			if err != nil {
				return PENDING, err
			}
			if ok {
				sawAuthorizedPlus = true
			} else {
				sawUnauthorizedPlus = true
			}
		case '?':
			sawPending = true
		}
	}

	switch {
	case sawAuthorizedPlus:
		return PASS, nil
	case sawUnauthorizedPlus:
		return INVALID, nil
	case sawPending:
		return PENDING, nil
	default:
		return PENDING, nil
	}
}

// precedence ranks outcomes FAIL > INVALID > PENDING > PASS, highest wins.
func precedence(o Outcome) int {
	switch o {
	case FAIL:
		return 3
	case INVALID:
		return 2
	case PENDING:
		return 1
	default: // PASS
		return 0
	}
}

// aggregate combines per-patch outcomes with FAIL > INVALID > PENDING > PASS
// precedence across the whole patchset.
func aggregate(perPatch map[int]Outcome) Result {
	worst := PASS
	for _, o := range perPatch {
		if precedence(o) > precedence(worst) {
			worst = o
		}
	}
	if worst == PASS {
		return Result{Outcome: PASS}
	}
	var offenders []int
	for id, o := range perPatch {
		if o == worst {
			offenders = append(offenders, id)
		}
	}
	sort.Ints(offenders)
	return Result{Outcome: worst, Offenders: offenders}
}

// ReviewStatus evaluates every patch's review votes (review, superreview,
// ui-review treated equivalently) against group membership.
func ReviewStatus(ctx context.Context, o oracle.Oracle, group string, patches []assembler.Patch) (Result, error) {
	if len(patches) == 0 {
		return Result{Outcome: FAIL}, nil
	}

	perPatch := make(map[int]Outcome, len(patches))
	for _, p := range patches {
		outcome, err := classifyPatch(ctx, o, group, p.Reviews)
		if err != nil {
			return Result{}, err
		}
		perPatch[p.ID] = outcome
	}
	return aggregate(perPatch), nil
}

// ApprovalStatus evaluates every patch's approval votes for the given branch.
func ApprovalStatus(ctx context.Context, o oracle.Oracle, group, branch string, patches []assembler.Patch) (Result, error) {
	if len(patches) == 0 {
		return Result{Outcome: FAIL}, nil
	}

	perPatch := make(map[int]Outcome, len(patches))
	for _, p := range patches {
		outcome, err := classifyPatch(ctx, o, group, p.Approvals[branch])
		if err != nil {
			return Result{}, err
		}
		perPatch[p.ID] = outcome
	}
	return aggregate(perPatch), nil
}
