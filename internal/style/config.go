package style

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

// Config represents the style configuration for filtering OSM entities
type Config struct {
	// Nodes filter. A node that does not match is dropped before graph
	// building, so ways referencing it see an unresolved ref.
	Nodes *FilterConfig `yaml:"nodes,omitempty"`
	// Ways filter. Non-matching ways are skipped and counted as filtered.
	Ways *FilterConfig `yaml:"ways,omitempty"`
	// Relations filter. Non-matching relations are skipped.
	Relations *FilterConfig `yaml:"relations,omitempty"`
	// DropKeys lists tag keys removed from every kept entity. A trailing
	// "*" matches by prefix ("note:*").
	DropKeys []string `yaml:"drop_keys,omitempty"`
}

// FilterConfig defines filtering rules for one entity kind
type FilterConfig struct {
	// Include specifies which tag keys/values to include
	// If empty, all entities are included
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude specifies which tag keys/values to exclude
	// Applied after include rules
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny specifies that at least one of these tags must be present
	RequireAny []string `yaml:"require_any,omitempty"`
	// KeepUntagged keeps entities without tags regardless of the rules.
	// Route geometry lives on untagged nodes, so this is usually wanted for nodes.
	KeepUntagged bool `yaml:"keep_untagged,omitempty"`
}

// LoadConfig loads a style configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML style document
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse style YAML: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns a configuration that keeps everything
func DefaultConfig() *Config {
	return &Config{}
}

// Filter checks if tags match the filter configuration
type Filter struct {
	cfg *FilterConfig
}

// NewFilter creates a filter from configuration
func NewFilter(cfg *FilterConfig) *Filter {
	if cfg == nil {
		return &Filter{cfg: &FilterConfig{}}
	}
	return &Filter{cfg: cfg}
}

// Match checks if the given tags match the filter rules
// Returns true if the entity should be kept
func (f *Filter) Match(tags element.Tags) bool {
	if len(tags) == 0 && f.cfg.KeepUntagged {
		return true
	}

	if len(f.cfg.RequireAny) > 0 {
		found := false
		for _, key := range f.cfg.RequireAny {
			if _, ok := tags[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.cfg.Include) > 0 {
		matched := false
		for key, values := range f.cfg.Include {
			if tagValue, ok := tags[key]; ok && valueListed(values, tagValue) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for key, values := range f.cfg.Exclude {
		if tagValue, ok := tags[key]; ok && valueListed(values, tagValue) {
			return false
		}
	}

	return true
}

// valueListed reports whether value is allowed by values. An empty list
// or a "*" entry matches any value.
func valueListed(values []string, value string) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if v == value || v == "*" {
			return true
		}
	}
	return false
}

// HasFilter returns true if filtering is enabled
func (f *Filter) HasFilter() bool {
	return len(f.cfg.Include) > 0 || len(f.cfg.Exclude) > 0 || len(f.cfg.RequireAny) > 0
}

// Style applies a Config to entity tags
type Style struct {
	nodes      *Filter
	ways       *Filter
	relations  *Filter
	dropExact  map[string]bool
	dropPrefix []string
}

// New compiles a style from cfg. A nil cfg keeps everything unchanged.
func New(cfg *Config) *Style {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Style{
		nodes:     NewFilter(cfg.Nodes),
		ways:      NewFilter(cfg.Ways),
		relations: NewFilter(cfg.Relations),
		dropExact: make(map[string]bool),
	}
	for _, k := range cfg.DropKeys {
		if prefix, ok := strings.CutSuffix(k, "*"); ok {
			s.dropPrefix = append(s.dropPrefix, prefix)
		} else {
			s.dropExact[k] = true
		}
	}
	return s
}

// Process decides whether an entity is kept and returns the tags to store
// for it. The input tags are never modified.
func (s *Style) Process(kind element.Kind, id int64, tags element.Tags) (element.Tags, bool, error) {
	var f *Filter
	switch kind {
	case element.KindNode:
		f = s.nodes
	case element.KindWay:
		f = s.ways
	case element.KindRelation:
		f = s.relations
	default:
		return nil, false, fmt.Errorf("unknown element kind %q", kind)
	}
	if !f.Match(tags) {
		return nil, false, nil
	}
	return s.dropTags(tags), true, nil
}

// Close implements the tag processor interface; a style holds no resources
func (s *Style) Close() error {
	return nil
}

func (s *Style) dropTags(tags element.Tags) element.Tags {
	if len(s.dropExact) == 0 && len(s.dropPrefix) == 0 {
		return tags
	}
	var out element.Tags
	for k, v := range tags {
		if s.dropped(k) {
			continue
		}
		if out == nil {
			out = make(element.Tags, len(tags))
		}
		out[k] = v
	}
	return out
}

func (s *Style) dropped(key string) bool {
	if s.dropExact[key] {
		return true
	}
	for _, p := range s.dropPrefix {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
