package mail

import (
	"regexp"
	"strings"
	"unicode"
)

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// ExtractCode returns the first standalone 6-digit code in body.
//
// Occurrences of recipient are removed first so digits inside the address
// never match. With guard set, a code immediately preceded by a letter,
// '@' or '.' is skipped, which rejects digits embedded in domain-like text.
func ExtractCode(body, recipient string, guard bool) (string, bool) {
	if recipient != "" {
		body = strings.ReplaceAll(body, recipient, "")
	}

	for _, loc := range codePattern.FindAllStringIndex(body, -1) {
		if guard && loc[0] > 0 && guardedByte(body[loc[0]-1]) {
			continue
		}
		return body[loc[0]:loc[1]], true
	}
	return "", false
}

func guardedByte(b byte) bool {
	return b == '@' || b == '.' || (b < unicode.MaxASCII && unicode.IsLetter(rune(b)))
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
