package pipeline

import (
	"strings"

	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/flex"
	"github.com/wegman-software/osmgraph-go/internal/style"
)

// TagProcessor decides per entity whether it is kept and which tags it keeps
type TagProcessor interface {
	Process(kind element.Kind, id int64, tags element.Tags) (element.Tags, bool, error)
	Close() error
}

// LoadTagProcessor loads a style file: a .lua script runs through the Lua
// runtime, anything else is read as a YAML filter. An empty path keeps all
// entities unchanged.
func LoadTagProcessor(path string) (TagProcessor, error) {
	if path == "" {
		return style.New(nil), nil
	}
	if strings.HasSuffix(strings.ToLower(path), ".lua") {
		rt := flex.NewRuntime()
		if err := rt.LoadFile(path); err != nil {
			rt.Close()
			return nil, err
		}
		return rt, nil
	}
	cfg, err := style.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return style.New(cfg), nil
}
