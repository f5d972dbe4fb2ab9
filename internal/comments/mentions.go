package comments

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_@])@([A-Za-z0-9][A-Za-z0-9._:-]*)`)

// ExtractMentions returns the distinct user ids mentioned in content, in order of first use.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	mentions := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		token := strings.TrimRight(match[1], ".-:")
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		mentions = append(mentions, token)
	}
	return mentions
}

// addedMentions returns the entries of next missing from previous.
func addedMentions(previous, next []string) []string {
	known := make(map[string]struct{}, len(previous))
	for _, mention := range previous {
		known[mention] = struct{}{}
	}
	var added []string
	for _, mention := range next {
		if _, ok := known[mention]; !ok {
			added = append(added, mention)
		}
	}
	return added
}
