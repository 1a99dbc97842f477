package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is one YAML document read from a definitions directory. Files may
// hold several documents separated by "---".
type Document struct {
	Source string // file path, with "#n" for the n-th document when there are several
	Order  int    // position across the whole directory, in file name order
	Body   string
}

// Diagnostic reports a definition that could not be used.
type Diagnostic struct {
	Source  string `json:"source"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.ID != "" {
		return fmt.Sprintf("%s (%s): %s", d.Source, d.ID, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Source, d.Message)
}

// LoadDir reads every *.yaml and *.yml file in dir in lexical order. A
// missing directory yields no documents. Files that are not valid YAML are
// reported as diagnostics and skipped.
func LoadDir(dir string) ([]Document, []Diagnostic, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("rules: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var (
		docs  []Document
		diags []Diagnostic
	)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("rules: read %s: %w", path, err)
		}
		bodies, err := splitDocuments(data)
		if err != nil {
			diags = append(diags, Diagnostic{Source: path, Message: err.Error()})
			continue
		}
		for i, body := range bodies {
			src := path
			if len(bodies) > 1 {
				src = fmt.Sprintf("%s#%d", path, i+1)
			}
			docs = append(docs, Document{Source: src, Order: len(docs), Body: body})
		}
	}
	return docs, diags, nil
}

// splitDocuments returns the YAML documents in data, each re-encoded so its
// body is canonical.
func splitDocuments(data []byte) ([]string, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []string
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		if len(node.Content) == 0 {
			continue
		}
		b, err := yaml.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("re-encode yaml: %w", err)
		}
		out = append(out, string(b))
	}
	return out, nil
}
