package enrich

import "strings"

// Element is the coarse archetypal energy detected in a piece of text. It
// steers prosody shaping and voice pacing; it is a hint, never a gate.
type Element string

const (
	ElementFire   Element = "fire"
	ElementWater  Element = "water"
	ElementEarth  Element = "earth"
	ElementAir    Element = "air"
	ElementAether Element = "aether"
)

var elementKeywords = map[Element][]string{
	ElementFire: {
		"angry", "furious", "rage", "excited", "thrilled", "passion",
		"burning", "can't wait", "amazing", "incredible", "fight", "now!",
	},
	ElementWater: {
		"sad", "cry", "crying", "miss", "lonely", "grief", "hurt",
		"feel", "feeling", "heart", "tears", "overwhelmed", "love",
	},
	ElementEarth: {
		"plan", "schedule", "work", "money", "budget", "practical",
		"build", "steady", "routine", "task", "organize", "grounded",
	},
	ElementAir: {
		"think", "idea", "wonder", "curious", "why", "question",
		"imagine", "what if", "theory", "interesting", "how does",
	},
	ElementAether: {
		"dream", "spirit", "meaning", "purpose", "soul", "universe",
	},
}

// priority breaks ties deterministically when two elements score equally.
var elementPriority = []Element{ElementFire, ElementWater, ElementEarth, ElementAir, ElementAether}

// Classify maps text to one of the five archetypal energies using keyword
// heuristics. It is pure and local: it always returns a value, defaulting
// to the neutral aether tag, and it never fails.
func Classify(text string) Element {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return ElementAether
	}

	scores := make(map[Element]int, len(elementKeywords))
	for element, keywords := range elementKeywords {
		for _, kw := range keywords {
			if strings.Contains(normalized, kw) {
				scores[element]++
			}
		}
	}

	best := ElementAether
	bestScore := 0
	for _, element := range elementPriority {
		if scores[element] > bestScore {
			best = element
			bestScore = scores[element]
		}
	}
	return best
}

// DefaultIntensity suggests a shaping intensity for an element. Persona
// warmth scales it at the call site.
func DefaultIntensity(element Element) float64 {
	switch element {
	case ElementFire:
		return 0.8
	case ElementWater:
		return 0.7
	case ElementEarth:
		return 0.4
	case ElementAir:
		return 0.5
	default:
		return 0.3
	}
}
