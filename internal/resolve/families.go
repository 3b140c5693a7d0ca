package resolve

import (
	"regexp"
	"strings"

	"github.com/MrWong99/agentengine/pkg/backend"
)

// FamilyRule maps a model-family pattern to its fixed capabilities.
type FamilyRule struct {
	// Name labels the family in diagnostics.
	Name string

	// Pattern is matched against the identifier. Built-in rules and rules
	// passed through [WithFamilies] match case-insensitively.
	Pattern *regexp.Regexp

	// Capabilities is the family's fixed feature set.
	Capabilities backend.Capabilities
}

// Matches reports whether id belongs to the family.
func (r FamilyRule) Matches(id string) bool {
	return r.Pattern.MatchString(id)
}

// caseless returns rules with every pattern compiled with the (?i) flag.
func caseless(rules []FamilyRule) []FamilyRule {
	out := make([]FamilyRule, len(rules))
	for i, r := range rules {
		if r.Pattern != nil && !strings.HasPrefix(r.Pattern.String(), "(?i)") {
			r.Pattern = regexp.MustCompile("(?i)" + r.Pattern.String())
		}
		out[i] = r
	}
	return out
}

func rule(name, pattern string, images, accel bool) FamilyRule {
	return FamilyRule{
		Name:    name,
		Pattern: regexp.MustCompile("(?i)" + pattern),
		Capabilities: backend.Capabilities{
			SupportsImages:       images,
			SupportsAcceleration: accel,
		},
	}
}

// DefaultFamilies is the built-in family table. Order matters: the first
// matching rule wins, so vision variants precede their text-only base family.
var DefaultFamilies = []FamilyRule{
	rule("qwen-vl", `qwen[0-9.]*-vl`, true, true),
	rule("qwen", `qwen`, false, true),
	rule("llava", `llava`, true, true),
	rule("internvl", `internvl`, true, true),
	rule("minicpm-v", `minicpm-?v`, true, false),
	rule("llama-vision", `llama-?3\.2.*vision`, true, true),
	rule("llama", `llama`, false, true),
	rule("phi-vision", `phi-?3(\.5)?-vision`, true, false),
	rule("gemma", `gemma`, false, true),
	rule("mistral", `mistral|mixtral`, false, true),
	rule("glm", `glm`, false, false),
	rule("gpt-4o", `gpt-4o|gpt-4\.1|gpt-4-turbo`, true, false),
	rule("deepseek", `deepseek`, false, true),
}

// MatchFamily returns the first rule in rules matching id.
func MatchFamily(rules []FamilyRule, id string) (FamilyRule, bool) {
	for _, r := range rules {
		if r.Pattern != nil && r.Matches(id) {
			return r, true
		}
	}
	return FamilyRule{}, false
}
