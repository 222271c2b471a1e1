package domain

import "strings"

// admittedGenders is the set of normalized gender values the platform admits.
// The provider reports "F" for documents, older payloads spelled the value
// out, and the legacy Spanish-language flow reported "femenino".
var admittedGenders = map[string]struct{}{
	"f":        {},
	"female":   {},
	"woman":    {},
	"women":    {},
	"femenino": {},
}

// GenderGate decides whether a verified identity may proceed to account
// creation. This is the platform's hard business rule: no code path may
// create a verified account when the gate rejects.
type GenderGate struct {
	// FailOpen admits sessions whose payload carried no gender attribute at
	// all. The legacy implementation behaved this way implicitly; it is off
	// by default and exists only as an explicit, auditable opt-in.
	FailOpen bool
}

// Admit reports whether the extracted gender value passes the gate.
// Unrecognized values are always rejected; only the entirely-absent case is
// governed by FailOpen.
func (g GenderGate) Admit(extractedGender string) bool {
	normalized := strings.ToLower(strings.TrimSpace(extractedGender))
	if normalized == "" {
		return g.FailOpen
	}
	_, ok := admittedGenders[normalized]
	return ok
}
