package policyopa

import (
	"strings"

	"github.com/open-policy-agent/opa/ast"
)

// impureBuiltins lists builtin families an operator bundle may not
// call. Anything with I/O, randomness, or wall-clock access is excluded
// so the same request always evaluates to the same deny set.
var impureBuiltins = map[string]struct{}{
	"http.send":   {},
	"opa.runtime": {},
	"trace":       {},
	"print":       {},
}

var impurePrefixes = []string{
	"net.",
	"time.",
	"rand.",
	"uuid.",
	"crypto.x509.parse_and_verify_certificates_with_options",
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(builtins))
	for _, builtin := range builtins {
		if impure(builtin.Name) {
			continue
		}
		allowed = append(allowed, builtin)
	}
	return allowed
}

func impure(name string) bool {
	if _, ok := impureBuiltins[name]; ok {
		return true
	}
	for _, prefix := range impurePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
