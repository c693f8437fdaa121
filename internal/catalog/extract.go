package catalog

import (
	"strings"
)

// Anchors that precede the embedded product data object. The opening brace
// must appear within a few bytes of the anchor or the match is discarded.
var productAnchors = []string{
	"window.productDetailData",
	"\"productDetailData\":",
	"productDetailData",
}

const anchorBraceWindow = 20

// findEmbeddedObject locates the opening brace of the data object that
// follows one of the anchors. Returns -1 when no anchor matches.
func findEmbeddedObject(html string) int {
	for _, anchor := range productAnchors {
		from := 0
		for {
			idx := strings.Index(html[from:], anchor)
			if idx < 0 {
				break
			}
			after := from + idx + len(anchor)
			// Skip an assignment or key separator between anchor and brace.
			brace := strings.IndexByte(html[after:], '{')
			if brace >= 0 && brace < anchorBraceWindow {
				return after + brace
			}
			from = after
		}
	}
	return -1
}

// extractBalancedObject returns the JSON-ish object starting at the brace
// at start. Depth tracking ignores braces inside string literals, honoring
// backslash escapes.
func extractBalancedObject(text string, start int) (string, bool) {
	if start < 0 || start >= len(text) || text[start] != '{' {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// repairObjectLiteral turns a JavaScript object literal into strict JSON:
// bare undefined tokens become null and trailing commas are dropped. Both
// rewrites only apply outside string literals.
func repairObjectLiteral(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	inString := false
	escaped := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == 'u' && hasBareToken(src, i, "undefined"):
			b.WriteString("null")
			i += len("undefined") - 1
		case c == ',' && closesContainer(src, i+1):
			// Trailing comma: swallow it.
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// hasBareToken reports whether the token at position i is a standalone
// word, not part of a longer identifier.
func hasBareToken(s string, i int, token string) bool {
	if !strings.HasPrefix(s[i:], token) {
		return false
	}
	if i > 0 && isIdentByte(s[i-1]) {
		return false
	}
	end := i + len(token)
	return end >= len(s) || !isIdentByte(s[end])
}

// closesContainer reports whether only whitespace separates position i from
// a closing bracket or brace.
func closesContainer(s string, i int) bool {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		case '}', ']':
			return true
		default:
			return false
		}
	}
	return false
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
