// Package export renders descriptor sets into client subscription formats.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

// Format names an output format.
type Format string

const (
	FormatSingbox Format = "singbox"
	FormatClash   Format = "clash"
	FormatBase64  Format = "base64"
)

// AllFormats lists every supported format in output order.
var AllFormats = []Format{FormatSingbox, FormatClash, FormatBase64}

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllFormats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("export: unknown format %q", s)
}

// Filename returns the artifact file name for the format.
func (f Format) Filename() string {
	switch f {
	case FormatSingbox:
		return "singbox.json"
	case FormatClash:
		return "clash.yaml"
	case FormatBase64:
		return "base64.txt"
	}
	return string(f)
}

// ContentType returns the HTTP content type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatSingbox:
		return "application/json; charset=utf-8"
	case FormatClash:
		return "text/yaml; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

// Options bound the rendered documents.
type Options struct {
	// MaxNodes caps how many descriptors are rendered; zero means no cap.
	MaxNodes int
}

// DefaultMaxNodes is the default output cap.
const DefaultMaxNodes = 200

func (o Options) limit(ds []node.Descriptor) []node.Descriptor {
	if o.MaxNodes > 0 && len(ds) > o.MaxNodes {
		return ds[:o.MaxNodes]
	}
	return ds
}

// Renderer produces one artifact from an ordered descriptor list.
type Renderer func(ds []node.Descriptor, opts Options) ([]byte, error)

// Registry maps formats to renderers.
type Registry struct {
	renderers map[Format]Renderer
	opts      Options
}

// NewRegistry creates a registry with every built-in format.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts: opts,
		renderers: map[Format]Renderer{
			FormatSingbox: BuildSingboxConfig,
			FormatClash:   BuildClashConfig,
			FormatBase64: func(ds []node.Descriptor, opts Options) ([]byte, error) {
				return BuildBase64(ds, opts), nil
			},
		},
	}
}

// Render produces the artifact for format.
func (r *Registry) Render(format Format, ds []node.Descriptor) ([]byte, error) {
	render, ok := r.renderers[format]
	if !ok {
		return nil, fmt.Errorf("export: unknown format %q", format)
	}
	return render(ds, r.opts)
}

// Encodable reports whether any format can render d. ShadowsocksR is
// decode-only.
func Encodable(d node.Descriptor) bool {
	return d.Protocol != node.ProtocolShadowsocksR
}

// RenderedCount is the number of descriptors the documents actually carry:
// the encodable entries within the MaxNodes cap.
func (r *Registry) RenderedCount(ds []node.Descriptor) int {
	n := 0
	for _, d := range r.opts.limit(ds) {
		if Encodable(d) {
			n++
		}
	}
	return n
}

// OutputOrder orders descriptors for rendering: preferred sources first,
// then by ascending latency. latency maps a fingerprint to its measured
// latency; descriptors without one sort as unknown.
func OutputOrder(ds []node.Descriptor, latency map[node.Fingerprint]int) []node.Descriptor {
	out := append([]node.Descriptor(nil), ds...)
	lat := func(d node.Descriptor) int {
		if v, ok := latency[d.Fingerprint()]; ok {
			return v
		}
		return node.LatencyUnknown
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return lat(out[i]) < lat(out[j])
	})
	return out
}
