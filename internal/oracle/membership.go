package oracle

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadMembership reads the group->emails membership document that sits
// alongside the Rego policy bundle, as membership.yaml in the same
// directory. A missing file is not an error — it means no group has any
// members yet, which is a valid (if useless) starting state.
func LoadMembership(policyPath string) (map[string][]string, error) {
	path := filepath.Join(filepath.Dir(policyPath), "membership.yaml")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var membership map[string][]string
	if err := yaml.Unmarshal(data, &membership); err != nil {
		return nil, err
	}
	return membership, nil
}
