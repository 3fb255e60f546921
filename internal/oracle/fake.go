package oracle

import "context"

// Fake is an in-memory Oracle for tests, keyed by group then email.
type Fake struct {
	Membership map[string][]string
}

// NewFake builds a Fake oracle from a group->emails membership map.
func NewFake(membership map[string][]string) *Fake {
	return &Fake{Membership: membership}
}

func (f *Fake) InGroup(_ context.Context, email, group string) (bool, error) {
	for _, m := range f.Membership[group] {
		if m == email {
			return true, nil
		}
	}
	return false, nil
}
