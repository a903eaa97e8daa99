// Package classifier sorts streamed content deltas into image markers,
// status markers and body text. The marker formats are a contract with the
// AI agent's prompt and are matched literally.
package classifier

import (
	"strings"
)

// DefaultStatusPrefix marks the agent announcing that casting has started.
const DefaultStatusPrefix = "开始起卦"

type Kind int

const (
	Body Kind = iota
	Image
	Status
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Status:
		return "status"
	default:
		return "body"
	}
}

// Delta is a classified content delta.
type Delta struct {
	Kind Kind
	Text string
	// ImageURL is set for Image deltas.
	ImageURL string
}

type Classifier interface {
	Classify(content string) Delta
}

type MarkerClassifier struct {
	statusPrefix string
}

func NewMarkerClassifier(statusPrefix string) *MarkerClassifier {
	if statusPrefix == "" {
		statusPrefix = DefaultStatusPrefix
	}
	return &MarkerClassifier{statusPrefix: statusPrefix}
}

// Classify checks image markers first, then the status prefix.
func (c *MarkerClassifier) Classify(content string) Delta {
	if url, ok := ImageURL(content); ok {
		return Delta{Kind: Image, Text: content, ImageURL: url}
	}
	if strings.HasPrefix(content, c.statusPrefix) {
		return Delta{Kind: Status, Text: content}
	}
	return Delta{Kind: Body, Text: content}
}

// ImageURL extracts the URL of a `![alt](url)` delta: the text after the
// first "](" up to the next one, without its last byte.
func ImageURL(content string) (string, bool) {
	if !strings.HasPrefix(content, "![") || !strings.HasSuffix(content, ")") {
		return "", false
	}
	parts := strings.Split(content, "](")
	if len(parts) < 2 || len(parts[1]) < 2 {
		return "", false
	}
	return parts[1][:len(parts[1])-1], true
}
