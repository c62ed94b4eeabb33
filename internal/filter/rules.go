package filter

import (
	"strconv"
	"strings"
)

// Keyword is one whitelist entry. A deal matching Word must strictly exceed
// both thresholds.
type Keyword struct {
	Word        string
	MinVoted    int
	MinComments int
}

// Rules holds the keyword configuration for one run.
type Rules struct {
	Blacklist    []string
	Whitelist    []Keyword
	PriceMarkers []string
}

// ParseWhitelist parses lines of the form "keyword[, minVote, minComment]".
// Thresholds are only read when all three parts are present; a part that is
// not a number keeps the global default. A repeated keyword keeps its first
// position and takes the thresholds of its last occurrence.
func ParseWhitelist(lines []string, defaultVoted, defaultComments int) []Keyword {
	var keywords []Keyword
	index := make(map[string]int)

	for _, line := range lines {
		parts := strings.Split(strings.ReplaceAll(line, "，", ","), ",")
		word := strings.TrimSpace(parts[0])
		if word == "" {
			continue
		}

		kw := Keyword{Word: word, MinVoted: defaultVoted, MinComments: defaultComments}
		if len(parts) >= 3 {
			if v, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
				kw.MinVoted = v
			}
			if c, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil {
				kw.MinComments = c
			}
		}

		if i, ok := index[word]; ok {
			keywords[i] = kw
			continue
		}
		index[word] = len(keywords)
		keywords = append(keywords, kw)
	}
	return keywords
}

// ParseBlacklist trims each line and drops blanks.
func ParseBlacklist(lines []string) []string {
	var words []string
	for _, line := range lines {
		if w := strings.TrimSpace(line); w != "" {
			words = append(words, w)
		}
	}
	return words
}

// Words returns the whitelist keywords in configuration order.
func (r Rules) Words() []string {
	words := make([]string, len(r.Whitelist))
	for i, kw := range r.Whitelist {
		words[i] = kw.Word
	}
	return words
}
