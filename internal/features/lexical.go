package features

import (
	"math"
	"regexp"
)

// Code and math heuristics. These are intentionally coarse: they feed one
// boolean each into the triage classifier, which learned its own weighting.
var (
	codePatterns = []*regexp.Regexp{
		regexp.MustCompile("```"),
		regexp.MustCompile(`\b(func|def|class|import|return|var|const|let)\b`),
		regexp.MustCompile(`[{};]\s*$`),
		regexp.MustCompile(`\b\w+\(\)`),
		regexp.MustCompile(`(?i)\b(python|javascript|typescript|golang|rust|java|sql)\b`),
	}
	mathPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\$[^$]+\$`),
		regexp.MustCompile(`\\(frac|sum|int|sqrt|alpha|beta|sigma|infty)`),
		regexp.MustCompile(`\b(theorem|lemma|proof|integral|derivative|matrix|eigenvalue)\b`),
		regexp.MustCompile(`[=<>≤≥]\s*\d`),
		regexp.MustCompile(`\d+\s*[+\-*/^]\s*\d+`),
	}
)

// HasCode reports whether text matches any code heuristic.
func HasCode(text string) bool {
	return matchesAny(text, codePatterns)
}

// HasMath reports whether text matches any math heuristic.
func HasMath(text string) bool {
	return matchesAny(text, mathPatterns)
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// TrigramEntropy returns the Shannon entropy (bits) of the character-trigram
// distribution of text. Short texts (< 3 bytes) have zero entropy. Highly
// repetitive text scores low; varied prose and mixed code score high.
func TrigramEntropy(text string) float64 {
	if len(text) < 3 {
		return 0
	}
	counts := make(map[string]int)
	total := 0
	for i := 0; i+3 <= len(text); i++ {
		counts[text[i:i+3]]++
		total++
	}
	var entropy float64
	for _, n := range counts {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
