// Package assembler resolves a bug to an ordered set of patches annotated
// with their review and approval flags.
package assembler

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/mozilla/autoland/internal/tracker"
)

// Vote is a single reviewer or approver decision on a patch.
type Vote struct {
	Principal tracker.User
	Result    byte // '+', '-', or '?'
}

// Patch is one attachment annotated with its classified flags.
type Patch struct {
	ID     int
	Author tracker.User

	// Reviews holds every review/superreview/ui-review flag on the patch.
	Reviews []Vote

	// Approvals maps branch name (lowercase) to the approval votes cast
	// against that branch.
	Approvals map[string][]Vote
}

// ErrPartialMissing is returned when the caller requested specific patch IDs
// and at least one was not found among the bug's attachments.
var ErrPartialMissing = errors.New("requested patch not found on bug")

// ErrEmptyPatchset is returned when assembly produced zero eligible patches.
var ErrEmptyPatchset = errors.New("no eligible patches found")

const approvalPrefix = "approval-"

// Assemble resolves bugID to an ordered list of Patch records. If requested
// is non-nil, the result follows the caller's order and ErrPartialMissing is
// returned if any requested ID is absent from the bug's attachments.
// Otherwise the bug's natural attachment order is used.
func Assemble(ctx context.Context, client tracker.Client, bugID int, requested []int) ([]Patch, error) {
	bug, err := client.GetBug(ctx, bugID)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching bug %d", bugID)
	}

	eligible := make(map[int]tracker.Attachment)
	var naturalOrder []int
	for _, a := range bug.Attachments {
		if !a.IsPatch || a.IsObsolete {
			continue
		}
		eligible[a.ID] = a
		naturalOrder = append(naturalOrder, a.ID)
	}

	var order []int
	if requested != nil {
		order = requested
		for _, id := range requested {
			if _, ok := eligible[id]; !ok {
				return nil, errors.Wrapf(ErrPartialMissing, "patch %d", id)
			}
		}
	} else {
		order = naturalOrder
	}

	if len(order) == 0 {
		return nil, ErrEmptyPatchset
	}

	patches := make([]Patch, 0, len(order))
	for _, id := range order {
		patches = append(patches, classify(eligible[id]))
	}
	return patches, nil
}

// classify splits an attachment's flags into reviews and per-branch approvals.
func classify(a tracker.Attachment) Patch {
	p := Patch{
		ID:        a.ID,
		Author:    a.Author,
		Approvals: make(map[string][]Vote),
	}

	for _, f := range a.Flags {
		vote := Vote{Principal: f.Setter, Result: f.Result}
		switch {
		case isReviewType(f.Type):
			p.Reviews = append(p.Reviews, vote)
		case strings.HasPrefix(strings.ToLower(f.Type), approvalPrefix):
			branch := strings.ToLower(strings.TrimPrefix(strings.ToLower(f.Type), approvalPrefix))
			p.Approvals[branch] = append(p.Approvals[branch], vote)
		}
	}

	return p
}

func isReviewType(t string) bool {
	switch strings.ToLower(t) {
	case "review", "superreview", "ui-review":
		return true
	default:
		return false
	}
}
