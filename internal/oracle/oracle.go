// Package oracle answers group-membership questions about tracker principals,
// backing the policy evaluator's permission checks.
package oracle

import "context"

// Oracle is the identity/permission contract. Implementations must be safe
// for concurrent use and must not cache negative answers across calls —
// group membership can change between an ingest scan and a later dispatch
// re-validation of the same patchset.
type Oracle interface {
	// InGroup reports whether email belongs to the named permission group.
	InGroup(ctx context.Context, email, group string) (bool, error)
}
