package voice

import "strings"

// PersonaProfile binds a persona to its speaking style and voice.
type PersonaProfile struct {
	ID          string
	DisplayName string
	SystemStyle string
	Voice       Voice
	Apology     string
}

const defaultPersonaID = "ember"

// DefaultProfiles returns the built-in persona catalog.
func DefaultProfiles() map[string]PersonaProfile {
	return map[string]PersonaProfile{
		"ember": {
			ID:          "ember",
			DisplayName: "Ember",
			SystemStyle: "Warm and direct. Short sentences, a little spark.",
			Voice:       Voice{ID: "ember-main", Speed: 1.05},
			Apology:     "My voice slipped away for a moment, but I'm still right here.",
		},
		"brook": {
			ID:          "brook",
			DisplayName: "Brook",
			SystemStyle: "Soft and unhurried. Leaves room for feelings.",
			Voice:       Voice{ID: "brook-main", Speed: 0.92},
		},
		"slate": {
			ID:          "slate",
			DisplayName: "Slate",
			SystemStyle: "Practical and grounded. Gets to the point.",
			Voice:       Voice{ID: "slate-main", Speed: 1.0},
		},
	}
}

// ProfileFor resolves a persona ID against the catalog, falling back to
// the default persona for unknown or empty IDs.
func ProfileFor(profiles map[string]PersonaProfile, personaID string) PersonaProfile {
	id := strings.ToLower(strings.TrimSpace(personaID))
	if p, ok := profiles[id]; ok {
		return p
	}
	if p, ok := profiles[defaultPersonaID]; ok {
		return p
	}
	return PersonaProfile{ID: "default", Voice: Voice{Speed: 1.0}}
}
