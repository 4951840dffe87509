package node

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/provchain/node/pkg/chain"
)

// authoritySetFile is the on-disk shape of the authority set config
// loads from Config.Node.AuthoritySetPath: a flat YAML list, matching
// the teacher's convention of keeping operational config (as opposed to
// secrets) in plain YAML rather than its own struct tags module.
type authoritySetFile struct {
	Authorities []chain.Authority `yaml:"authorities"`
}

// LoadAuthoritySet reads the authority set from a YAML file of the form:
//
//	authorities:
//	  - public_key: <hex>
//	    label: validator-a
func LoadAuthoritySet(path string) (*chain.AuthoritySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("node: read authority set %s: %w", path, err)
	}
	var f authoritySetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("node: parse authority set %s: %w", path, err)
	}
	if len(f.Authorities) == 0 {
		return nil, fmt.Errorf("node: authority set %s declares no authorities", path)
	}
	return chain.NewAuthoritySet(f.Authorities), nil
}
