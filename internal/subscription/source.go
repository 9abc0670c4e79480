// Package subscription decodes published proxy descriptors (share links,
// base64 blobs and structured proxy lists) into node.Descriptor values.
package subscription

import (
	"strings"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

// SourceType selects how a source body is split into decodable units.
type SourceType string

const (
	// SourceMixed is a newline-separated list of share links.
	SourceMixed SourceType = "mixed"
	// SourceBase64 is a base64 blob that decodes to a share-link list.
	SourceBase64 SourceType = "base64"
	// SourceClash is a structured document carrying a "proxies" list.
	SourceClash SourceType = "clash"
)

// ParseSourceType normalizes a configured type. Unknown values map to mixed.
func ParseSourceType(s string) SourceType {
	switch SourceType(strings.ToLower(strings.TrimSpace(s))) {
	case SourceBase64:
		return SourceBase64
	case SourceClash:
		return SourceClash
	default:
		return SourceMixed
	}
}

// Source is one configured upstream publisher.
type Source struct {
	Name     string     `json:"name" mapstructure:"name"`
	URL      string     `json:"url" mapstructure:"url"`
	Type     SourceType `json:"type" mapstructure:"type"`
	Priority int        `json:"priority" mapstructure:"priority"`
	Enabled  bool       `json:"enabled" mapstructure:"enabled"`
}

// Preferred reports whether descriptors from this source outrank all others.
func (s Source) Preferred() bool {
	return s.Priority == 0
}

// Batch is the decode outcome of one source body.
type Batch struct {
	Descriptors []node.Descriptor
	// Malformed counts units that looked like descriptors but failed to decode.
	Malformed int
}

// DecodeBody splits a source body according to its type and decodes every
// unit. Descriptors keep input order and carry the source name and priority.
func DecodeBody(src Source, body []byte) Batch {
	text := normalizeTextContent(string(normalizeInput(body)))

	var batch Batch
	switch src.Type {
	case SourceClash:
		batch = DecodeStructured(text)
	case SourceBase64:
		if decoded, ok := decodeBase64Relaxed(strings.Join(strings.Fields(text), "")); ok {
			batch = decodeSniffed(normalizeTextContent(string(decoded)))
		} else {
			batch = decodeSniffed(text)
		}
	default:
		batch = decodeSniffed(text)
	}

	for i := range batch.Descriptors {
		batch.Descriptors[i].Source = src.Name
		batch.Descriptors[i].Priority = src.Priority
	}
	return batch
}

// decodeSniffed routes a body that is structurally a proxy-list mapping to
// DecodeStructured and everything else to DecodeLines.
func decodeSniffed(text string) Batch {
	if looksLikeProxyDocument(text) {
		return DecodeStructured(text)
	}
	return DecodeLines(text)
}

// DecodeLines decodes a newline-separated share-link list. Blank lines,
// comments and lines with no recognized scheme are skipped silently; lines
// with a recognized scheme that fail to decode are counted as malformed.
func DecodeLines(text string) Batch {
	var batch Batch
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, known := schemeOf(line); !known {
			continue
		}
		d, ok := Decode(line)
		if !ok {
			batch.Malformed++
			continue
		}
		batch.Descriptors = append(batch.Descriptors, d)
	}
	return batch
}
