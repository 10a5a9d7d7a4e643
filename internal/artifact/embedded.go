package artifact

import _ "embed"

// The emergency artifact ships inside the binary so the router can start and
// serve with no reachable artifact source. It carries a reduced cluster count
// and a heuristic-only triage tag; quality degrades, availability does not.
//
//go:embed emergency.json
var emergencyJSON []byte

// Emergency parses the embedded artifact. An error here means the binary was
// built with a broken emergency.json and is caught by the package tests.
func Emergency() (*Artifact, error) {
	return Parse(emergencyJSON)
}
