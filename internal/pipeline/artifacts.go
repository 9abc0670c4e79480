package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/downtoearthtw/proxy-aggregator/internal/export"
	"github.com/downtoearthtw/proxy-aggregator/internal/node"
	"github.com/downtoearthtw/proxy-aggregator/internal/probe"
	"github.com/downtoearthtw/proxy-aggregator/internal/topology"
)

const (
	RawNodesFile    = "raw_nodes.json"
	TestedNodesFile = "tested_nodes.json"
	IndexFile       = "index.json"

	subscriptionName = "Proxy Aggregator Subscription"
)

// Artifacts is everything one run produced.
type Artifacts struct {
	RunID   string
	Updated time.Time

	// Raw is the merged, deduplicated descriptor list.
	Raw []node.Descriptor
	// Tested holds accepted descriptors ordered by latency.
	Tested []probe.Tested
	// Output is the render order: priority, then latency.
	Output []node.Descriptor

	Documents map[export.Format][]byte
	Index     Index

	SourceBatches []topology.SourceBatch
	// Results is index-aligned with Raw.
	Results []node.TestResult
}

// Index is the manifest written next to the rendered documents.
type Index struct {
	Name          string            `json:"name"`
	Updated       string            `json:"updated"`
	NodeCount     int               `json:"node_count"`
	Subscriptions map[string]string `json:"subscriptions"`
}

type rawList struct {
	Count   int               `json:"count"`
	Updated string            `json:"updated"`
	Nodes   []node.Descriptor `json:"nodes"`
}

type testedList struct {
	Count   int            `json:"count"`
	Updated string         `json:"updated"`
	Nodes   []probe.Tested `json:"nodes"`
}

// Timestamp formats t the way every artifact records its generation time.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

func newIndex(updated time.Time, count int, formats []export.Format) Index {
	subs := make(map[string]string, len(formats))
	for _, f := range formats {
		subs[string(f)] = f.Filename()
	}
	return Index{
		Name:          subscriptionName,
		Updated:       Timestamp(updated),
		NodeCount:     count,
		Subscriptions: subs,
	}
}

// RawJSON renders the raw descriptor list.
func (a *Artifacts) RawJSON() ([]byte, error) {
	nodes := a.Raw
	if nodes == nil {
		nodes = []node.Descriptor{}
	}
	return marshalJSON(rawList{Count: len(nodes), Updated: Timestamp(a.Updated), Nodes: nodes})
}

// TestedJSON renders the accepted descriptors with their probe results.
func (a *Artifacts) TestedJSON() ([]byte, error) {
	nodes := a.Tested
	if nodes == nil {
		nodes = []probe.Tested{}
	}
	return marshalJSON(testedList{Count: len(nodes), Updated: Timestamp(a.Updated), Nodes: nodes})
}

// WriteDir writes every artifact into dir. Each file is written to a
// temporary name and renamed so readers never see partial content.
func (a *Artifacts) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	raw, err := a.RawJSON()
	if err != nil {
		return fmt.Errorf("encode %s: %w", RawNodesFile, err)
	}
	tested, err := a.TestedJSON()
	if err != nil {
		return fmt.Errorf("encode %s: %w", TestedNodesFile, err)
	}
	index, err := marshalJSON(a.Index)
	if err != nil {
		return fmt.Errorf("encode %s: %w", IndexFile, err)
	}

	files := map[string][]byte{
		RawNodesFile:    raw,
		TestedNodesFile: tested,
	}
	for f, doc := range a.Documents {
		files[f.Filename()] = doc
	}
	for name, data := range files {
		if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	// The manifest goes last so it never points at missing documents.
	return writeFileAtomic(filepath.Join(dir, IndexFile), index)
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
