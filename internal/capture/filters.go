package capture

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed filters.yaml
var defaultFilterYAML string

// FilterOverride switches audio processing filters off for one environment.
// A nil field keeps the default (enabled). MimeTypes, when set, limits the
// override to sessions negotiated to one of those encodings.
type FilterOverride struct {
	MimeTypes        []string `yaml:"mime_types"`
	EchoCancellation *bool    `yaml:"echo_cancellation"`
	NoiseSuppression *bool    `yaml:"noise_suppression"`
	AutoGainControl  *bool    `yaml:"auto_gain_control"`
}

// FilterTable is the environment-keyed override table.
type FilterTable struct {
	Environments map[string]FilterOverride `yaml:"environments"`
}

// DefaultFilterTable returns the built-in table.
func DefaultFilterTable() *FilterTable {
	t, err := LoadFilterTable(strings.NewReader(defaultFilterYAML))
	if err != nil {
		panic(fmt.Sprintf("capture: embedded filter table: %v", err))
	}
	return t
}

// LoadFilterTable decodes a YAML filter table.
func LoadFilterTable(r io.Reader) (*FilterTable, error) {
	t := &FilterTable{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(t); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode filter table: %w", err)
	}
	normalized := make(map[string]FilterOverride, len(t.Environments))
	for env, o := range t.Environments {
		normalized[strings.ToLower(strings.TrimSpace(env))] = o
	}
	t.Environments = normalized
	return t, nil
}

// LoadFilterTableFile reads a table from path.
func LoadFilterTableFile(path string) (*FilterTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open filter table %q: %w", path, err)
	}
	defer f.Close()
	return LoadFilterTable(f)
}

// Constraints builds the device request for a negotiated encoding.
func (t *FilterTable) Constraints(enc Encoding, caps Capabilities) Constraints {
	c := Constraints{
		Audio:            true,
		MimeType:         enc.MimeType,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	if t == nil {
		return c
	}
	o, ok := t.Environments[strings.ToLower(strings.TrimSpace(caps.Environment))]
	if !ok {
		return c
	}
	if len(o.MimeTypes) > 0 && !(Capabilities{MimeTypes: o.MimeTypes}).Supports(enc.MimeType) {
		return c
	}
	if o.EchoCancellation != nil {
		c.EchoCancellation = *o.EchoCancellation
	}
	if o.NoiseSuppression != nil {
		c.NoiseSuppression = *o.NoiseSuppression
	}
	if o.AutoGainControl != nil {
		c.AutoGainControl = *o.AutoGainControl
	}
	return c
}
