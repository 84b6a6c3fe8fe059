package action

import (
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// normaliseHandlerName lowercases and strips non-alphanumeric characters,
// the canonicalisation spec.md §4.3.1 step 1 uses for self-handler
// matching.
func normaliseHandlerName(name string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(name), "")
}

// camelSplit breaks a camelCase identifier into lowercase keywords, used
// for the "keyword match on camelCase splits" rule.
func camelSplit(name string) []string {
	var words []string
	var cur strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			if cur.Len() > 0 {
				words = append(words, strings.ToLower(cur.String()))
				cur.Reset()
			}
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		words = append(words, strings.ToLower(cur.String()))
	}
	return words
}

// matchHandlerName reports whether candidate fuzzily matches intent:
// case-insensitive exact match after stripping non-alphanumerics, then
// substring match, then a shared camelCase keyword.
func matchHandlerName(candidate, intent string) bool {
	normCandidate := normaliseHandlerName(candidate)
	normIntent := normaliseHandlerName(intent)

	if normCandidate == normIntent {
		return true
	}
	if normCandidate == "" || normIntent == "" {
		return false
	}
	if strings.Contains(normCandidate, normIntent) || strings.Contains(normIntent, normCandidate) {
		return true
	}

	candidateWords := wordSet(camelSplit(candidate))
	intentWords := wordSet(camelSplit(intent))
	for w := range intentWords {
		if _, ok := candidateWords[w]; ok {
			return true
		}
	}
	return false
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// splitQualifiedIntent recognises "agent::event" or "agent.event" forms,
// which bypass fuzzy matching entirely (spec.md §4.3.1 step 3).
func splitQualifiedIntent(intent string) (agentName, event string, ok bool) {
	if idx := strings.Index(intent, "::"); idx >= 0 {
		return intent[:idx], intent[idx+2:], true
	}
	if idx := strings.Index(intent, "."); idx >= 0 {
		return intent[:idx], intent[idx+1:], true
	}
	return "", "", false
}
