package oracle

import (
	"context"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

const defaultQuery = "data.autoland.permissions.in_group"

// opaOracle evaluates group membership against a Rego policy bundle plus a
// data document of {group: [email, ...]} membership.
type opaOracle struct {
	prepared rego.PreparedEvalQuery
}

// New compiles the policy at policyPath against the given membership data
// document and returns an Oracle backed by it.
func New(ctx context.Context, policyPath string, membership map[string][]string) (Oracle, error) {
	data := map[string]any{"groups": toAnyMap(membership)}
	store := inmem.NewFromObject(data)

	r := rego.New(
		rego.Query(defaultQuery),
		rego.Load([]string{policyPath}, nil),
		rego.Store(store),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &opaOracle{prepared: prepared}, nil
}

func (o *opaOracle) InGroup(ctx context.Context, email, group string) (bool, error) {
	results, err := o.prepared.Eval(ctx, rego.EvalInput(map[string]any{
		"email": email,
		"group": group,
	}))
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, nil
	}
	return allowed, nil
}

func toAnyMap(membership map[string][]string) map[string]any {
	out := make(map[string]any, len(membership))
	for group, emails := range membership {
		list := make([]any, len(emails))
		for i, e := range emails {
			list[i] = e
		}
		out[group] = list
	}
	return out
}
