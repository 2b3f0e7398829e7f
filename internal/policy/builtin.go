package policy

import (
	"context"
	"fmt"

	"github.com/org/piiguard/pkg/models"
)

// Builtin serves the two fixed policies. The privileged context may do
// anything; restricted contexts only reach the hash index, entry metadata,
// their own detection engine and the event stream.
type Builtin map[string]*models.Policy

// DefaultPolicies returns the built-in policy set.
func DefaultPolicies() Builtin {
	return Builtin{
		models.PolicyPrivileged: {
			Name: models.PolicyPrivileged,
			Rules: map[string]models.PathRule{
				"*": {Capabilities: []string{models.CapSudo}},
			},
		},
		models.PolicyRestricted: {
			Name: models.PolicyRestricted,
			Rules: map[string]models.PathRule{
				"v1/index":          {Capabilities: []string{models.CapRead}},
				"v1/entries/recent": {Capabilities: []string{models.CapRead}},
				"v1/events":         {Capabilities: []string{models.CapRead}},
				"v1/contexts/**":    {Capabilities: []string{models.CapRead, models.CapWrite, models.CapDelete}},
			},
		},
	}
}

// GetPolicy implements PolicyGetter.
func (b Builtin) GetPolicy(_ context.Context, name string) (*models.Policy, error) {
	if p, ok := b[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown policy %q", name)
}
