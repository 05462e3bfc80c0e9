package testrequest

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// ReviewPolicy decides whether a center requires clinical sign-off before
// reports leave the lab.
type ReviewPolicy interface {
	ReviewRequired(centerRef string) bool
}

// StaticPolicy applies one setting to every center.
type StaticPolicy bool

func (p StaticPolicy) ReviewRequired(string) bool { return bool(p) }

// CenterPolicy is a per-center review policy with a fallback default.
type CenterPolicy struct {
	Default bool
	Centers map[string]bool
}

type policyFile struct {
	ReviewRequiredDefault *bool `toml:"review_required_default"`
	Centers               []struct {
		ID             string `toml:"id"`
		ReviewRequired bool   `toml:"review_required"`
	} `toml:"center"`
}

// ReviewRequired returns the center's setting, or the default for unknown
// centers.
func (p *CenterPolicy) ReviewRequired(centerRef string) bool {
	if v, ok := p.Centers[centerRef]; ok {
		return v
	}
	return p.Default
}

// CenterIDs returns the configured centers in sorted order.
func (p *CenterPolicy) CenterIDs() []string {
	ids := make([]string, 0, len(p.Centers))
	for id := range p.Centers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadPolicyFile reads a TOML review policy:
//
//	review_required_default = false
//
//	[[center]]
//	id = "center-a"
//	review_required = true
//
// fallback is used when the file does not set a default.
func LoadPolicyFile(path string, fallback bool) (*CenterPolicy, error) {
	var f policyFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decoding review policy %s: %w", path, err)
	}
	return buildPolicy(f, fallback)
}

// ParsePolicy is LoadPolicyFile over an in-memory document.
func ParsePolicy(doc string, fallback bool) (*CenterPolicy, error) {
	var f policyFile
	if _, err := toml.Decode(doc, &f); err != nil {
		return nil, fmt.Errorf("decoding review policy: %w", err)
	}
	return buildPolicy(f, fallback)
}

func buildPolicy(f policyFile, fallback bool) (*CenterPolicy, error) {
	p := &CenterPolicy{Default: fallback, Centers: make(map[string]bool, len(f.Centers))}
	if f.ReviewRequiredDefault != nil {
		p.Default = *f.ReviewRequiredDefault
	}
	for i, c := range f.Centers {
		if c.ID == "" {
			return nil, fmt.Errorf("review policy center #%d: id is required", i+1)
		}
		if _, dup := p.Centers[c.ID]; dup {
			return nil, fmt.Errorf("review policy center %q: duplicate entry", c.ID)
		}
		p.Centers[c.ID] = c.ReviewRequired
	}
	return p, nil
}
