// Package reply parses the free-text model response into its explanation,
// document, and optional preference segments.
package reply

import (
	"strings"

	"golang.org/x/net/html"
)

// Sentinel markers the model is instructed to emit between sections.
const (
	DocumentMarker   = "---HTML_START---"
	PreferenceMarker = "---PREFERENCE---"
)

// Fallback explanations used when the model ignored the section contract.
const (
	analyzeFallbackExplanation = "Your CV has been optimized for the target position."
	refineFallbackExplanation  = "Changes applied."
)

// Mode selects which fallback behavior applies when parsing degrades.
type Mode int

const (
	// ModeAnalyze is the first turn of a conversation: with nothing earlier
	// to fall back on, the raw response itself becomes the document as a
	// last resort.
	ModeAnalyze Mode = iota
	// ModeRefine is a follow-up turn: when no document can be located the
	// caller retains the previous turn's document unchanged.
	ModeRefine
)

// Kind discriminates how much of the response contract the model honored.
type Kind int

const (
	// Parsed means the document marker was present and sections split cleanly.
	Parsed Kind = iota
	// Degraded means the document was recovered by anchor heuristics.
	Degraded
	// Unparseable means no document could be located; the Document field is
	// empty and the caller decides what to render.
	Unparseable
)

// Result is the parsed model response.
type Result struct {
	Kind           Kind
	Explanation    string
	Document       string
	PreferenceRule string
}

// Parse splits raw model output into explanation, document, and optional
// preference rule. It never fails: malformed output degrades through anchor
// extraction down to Unparseable.
func Parse(raw string, mode Mode) Result {
	if idx := strings.Index(raw, DocumentMarker); idx != -1 {
		explanation := strings.TrimSpace(raw[:idx])
		rest := strings.TrimSpace(raw[idx+len(DocumentMarker):])

		result := Result{Kind: Parsed, Explanation: explanation}
		if prefIdx := strings.Index(rest, PreferenceMarker); prefIdx != -1 {
			result.Document = strings.TrimSpace(rest[:prefIdx])
			result.PreferenceRule = strings.TrimSpace(rest[prefIdx+len(PreferenceMarker):])
		} else {
			result.Document = rest
		}
		return result
	}

	// No marker: hunt for a document anchor in the raw text.
	if doc := extractDocument(raw); doc != "" {
		explanation := analyzeFallbackExplanation
		if mode == ModeRefine {
			explanation = strings.TrimSpace(strings.Replace(raw, doc, "", 1))
			if explanation == "" {
				explanation = refineFallbackExplanation
			}
		}
		return Result{Kind: Degraded, Explanation: explanation, Document: doc}
	}

	// Nothing recognizable. On a first analysis the raw text is all we have.
	if mode == ModeAnalyze {
		return Result{Kind: Degraded, Explanation: analyzeFallbackExplanation, Document: raw}
	}

	explanation := strings.TrimSpace(raw)
	if explanation == "" {
		explanation = refineFallbackExplanation
	}
	return Result{Kind: Unparseable, Explanation: explanation}
}

// extractDocument returns the substring from the first document anchor
// onward, or "" when no anchor is present. The doctype match is
// case-sensitive on purpose: it mirrors what the model is told to emit.
func extractDocument(text string) string {
	if idx := strings.Index(text, "<!DOCTYPE html>"); idx != -1 {
		return text[idx:]
	}
	if idx := strings.Index(text, "<html"); idx != -1 {
		return text[idx:]
	}
	return ""
}

// WellFormed reports whether the document parses into an HTML tree whose
// body holds at least one element. Plain prose fails this probe; it exists
// so callers can log when a degraded document is unlikely to render.
func WellFormed(doc string) bool {
	node, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return false
	}
	body := findElement(node, "body")
	if body == nil {
		return false
	}
	for child := body.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode {
			return true
		}
	}
	return false
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}
