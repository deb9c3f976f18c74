package routing

import (
	"fmt"
	"strings"
)

// Policy restricts and orders backends by locality for a tenant.
type Policy string

const (
	PolicyLocalOnly   Policy = "local-only"
	PolicyCloudOnly   Policy = "cloud-only"
	PolicyPreferLocal Policy = "prefer-local"
	PolicyPreferCloud Policy = "prefer-cloud"
)

// DefaultPolicy applies when a tenant has none configured.
const DefaultPolicy = PolicyPreferLocal

// ParsePolicy accepts the canonical names plus underscore spellings.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if p == "" {
		return DefaultPolicy, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("routing: unknown policy %q", s)
	}
	return p, nil
}

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyLocalOnly, PolicyCloudOnly, PolicyPreferLocal, PolicyPreferCloud:
		return true
	}
	return false
}

// admits reports whether a backend with the given locality may serve p.
func (p Policy) admits(local bool) bool {
	switch p {
	case PolicyLocalOnly:
		return local
	case PolicyCloudOnly:
		return !local
	default:
		return true
	}
}

// preference ranks locality for ordering; lower sorts first.
func (p Policy) preference(local bool) int {
	switch p {
	case PolicyPreferCloud:
		if local {
			return 1
		}
		return 0
	default:
		if local {
			return 0
		}
		return 1
	}
}
