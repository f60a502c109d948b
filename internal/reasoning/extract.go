package reasoning

import (
	"regexp"
	"strings"
)

// Caller-info heuristics. These run on every final transcript; they only fill
// fields that are still empty, so a wrong later match never overwrites an
// earlier identification.

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bthis is ([a-z]+(?: [a-z]+)?)\b`),
	regexp.MustCompile(`(?i)\bmy name is ([a-z]+(?: [a-z]+)?)\b`),
	regexp.MustCompile(`(?i)\bmy name'?s ([a-z]+(?: [a-z]+)?)\b`),
	regexp.MustCompile(`(?i)\bi'?m ([a-z]+ [a-z]+)\b`),
}

var purposePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcalling (?:about|regarding|concerning) (.+?)(?:[.?!]|$)`),
	regexp.MustCompile(`(?i)\bcalling to ([a-z].+?)(?:[.?!]|$)`),
	regexp.MustCompile(`(?i)\b(?:it'?s|this is) (?:about|regarding) (.+?)(?:[.?!]|$)`),
	regexp.MustCompile(`(?i)\bi (?:wanted|need|would like) to (?:ask|talk|speak) about (.+?)(?:[.?!]|$)`),
}

// nameStopWords are words that the name patterns can capture but that are
// never names ("this is regarding...", "I'm calling...").
var nameStopWords = map[string]bool{
	"calling": true, "about": true, "regarding": true, "here": true,
	"sorry": true, "just": true, "not": true, "trying": true,
	"wondering": true, "interested": true, "looking": true, "sure": true,
	"afraid": true, "the": true, "a": true, "an": true, "so": true,
	"good": true, "very": true, "really": true, "actually": true,
	"gonna": true, "going": true,
}

// ExtractCallerInfo scans one caller utterance for a self-identification and
// a stated reason for calling. Either result may be empty.
func ExtractCallerInfo(utterance string) (name, purpose string) {
	for _, p := range namePatterns {
		m := p.FindStringSubmatch(utterance)
		if m == nil {
			continue
		}
		candidate := cleanName(m[1])
		if candidate != "" {
			name = candidate
			break
		}
	}

	for _, p := range purposePatterns {
		m := p.FindStringSubmatch(utterance)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		if candidate != "" {
			purpose = candidate
			break
		}
	}
	return name, purpose
}

// cleanName title-cases a captured name and rejects captures whose first word
// is a stop word.
func cleanName(raw string) string {
	words := strings.Fields(strings.ToLower(raw))
	if len(words) == 0 || nameStopWords[words[0]] {
		return ""
	}
	// A stop word in second position means the capture ran past the name
	// ("John here", "Maria actually"). Keep just the leading word.
	if len(words) == 2 && nameStopWords[words[1]] {
		words = words[:1]
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
