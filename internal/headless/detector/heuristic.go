// Package detector recognizes listing pages that are client-rendered shells:
// pages whose links only appear after JavaScript runs.
package detector

import (
	"bytes"
	"strings"
)

const defaultThreshold = 2048

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold means 2 KiB.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

// NeedsRendering reports whether body looks like a shell that a static
// fetch cannot read, and names the signal that matched.
func (h *Heuristic) NeedsRendering(body []byte) (bool, string) {
	if len(bytes.TrimSpace(body)) == 0 {
		return true, "empty body"
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true, "script heavy"
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true, "spa marker " + string(marker)
		}
	}
	return false, ""
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
