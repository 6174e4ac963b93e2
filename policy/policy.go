// Package policy implements the access-control half of Component F:
// enforcing the three-valued Policy predicate (spec §3, §4.F) that
// guards Instantiate and, were it supported, Upgrade.
package policy

import (
	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
)

// Enforce reports whether caller is permitted by p, per spec §3:
// Nobody always rejects, Address(a) accepts iff caller == a, Everyone
// always accepts. It returns api.ErrForbidden() on rejection so callers
// can propagate it directly.
func Enforce(p oasisapi.Policy, caller oasisapi.Address) error {
	switch p.Kind {
	case oasisapi.PolicyNobody:
		return oasisapi.ErrForbidden()
	case oasisapi.PolicyEveryone:
		return nil
	case oasisapi.PolicyAddress:
		if p.Address == caller {
			return nil
		}
		return oasisapi.ErrForbidden()
	default:
		return oasisapi.ErrForbidden()
	}
}
