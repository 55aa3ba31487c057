// Package voice resolves legacy voice aliases to the closed set of
// canonical voices the upstream endpoint accepts, validates numeric
// gateway knobs, and resolves the system-prompt language folder.
package voice

import (
	"fmt"
	"strings"
	"time"
)

// Canonical is one of the fixed set of voice identifiers accepted by
// the upstream endpoint.
type Canonical string

const (
	Aoede   Canonical = "Aoede"
	Charon  Canonical = "Charon"
	Fenrir  Canonical = "Fenrir"
	Kore    Canonical = "Kore"
	Puck    Canonical = "Puck"
	DefaultVoice Canonical = Charon
)

var canonicalSet = map[Canonical]struct{}{
	Aoede: {}, Charon: {}, Fenrir: {}, Kore: {}, Puck: {},
}

// aliases maps case-insensitive legacy names to canonical voices.
// "tiffany" -> "Aoede" is the scenario F mapping named in spec.md.
var aliases = map[string]Canonical{
	"tiffany": Aoede,
	"matthew": Puck,
	"joanna":  Kore,
	"brian":   Fenrir,
}

// Resolve converts a legacy or canonical voice identifier (any casing)
// into a canonical voice. Unknown or empty input yields DefaultVoice.
// Resolve is idempotent: Resolve(Resolve(x)) == Resolve(x) for all x,
// since canonical names pass through the alias lookup unchanged when
// lower-cased and re-looked-up only if not already canonical.
func Resolve(input string) Canonical {
	if input == "" {
		return DefaultVoice
	}
	lower := strings.ToLower(strings.TrimSpace(input))
	for c := range canonicalSet {
		if strings.ToLower(string(c)) == lower {
			return c
		}
	}
	if c, ok := aliases[lower]; ok {
		return c
	}
	return DefaultVoice
}

// Config holds the gateway's tunable numeric knobs (spec §4.4, §6).
type Config struct {
	DefaultVoice          Canonical
	ReconnectMaxRetries   int
	ReconnectBaseDelay    time.Duration
	ToolTimeout           time.Duration
}

// Validate enforces the range rules from spec §4.4: reconnect retries
// in [0,10], base delay >= 100ms, tool timeout >= 1s, and that the
// configured default voice is itself in the closed set.
func (c Config) Validate() error {
	if _, ok := canonicalSet[c.DefaultVoice]; !ok {
		return fmt.Errorf("voice: default voice %q is not in the canonical set", c.DefaultVoice)
	}
	if c.ReconnectMaxRetries < 0 || c.ReconnectMaxRetries > 10 {
		return fmt.Errorf("voice: reconnect-max-retries %d out of range [0,10]", c.ReconnectMaxRetries)
	}
	if c.ReconnectBaseDelay < 100*time.Millisecond {
		return fmt.Errorf("voice: reconnect-base-delay-ms %v below 100ms minimum", c.ReconnectBaseDelay)
	}
	if c.ToolTimeout < time.Second {
		return fmt.Errorf("voice: tool-timeout-ms %v below 1s minimum", c.ToolTimeout)
	}
	return nil
}

// LanguageFolder resolves a BCP-47-ish language tag to the system-prompt
// folder. The effective folder set is fixed to {EN, TR} per the
// language-folder design note: every code maps to one of the two, with
// Turkish variants routed to TR and everything else to EN.
func LanguageFolder(languageTag string) string {
	lower := strings.ToLower(languageTag)
	if strings.HasPrefix(lower, "tr") {
		return "TR"
	}
	return "EN"
}
