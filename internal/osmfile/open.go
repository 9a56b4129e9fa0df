package osmfile

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrUnsupportedFormat is returned by Open for files that are neither OSM XML nor PBF
var ErrUnsupportedFormat = errors.New("unsupported map file format")

// Open opens a map file and returns a Source for it. The decoder is picked by
// extension: .pbf for protobuf, .osm/.xml for XML; a trailing .gz is decompressed.
func Open(path string, channelBuffer int) (Source, error) {
	name := strings.ToLower(path)
	compressed := strings.HasSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".gz")

	isPBF := strings.HasSuffix(name, ".pbf")
	isXML := strings.HasSuffix(name, ".osm") || strings.HasSuffix(name, ".xml")
	if !isPBF && !isXML {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open map file: %w", err)
	}

	var reader io.Reader = f
	var closer io.Closer = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		reader = gz
		closer = multiCloser{gz, f}
	}

	if isPBF {
		src := NewPBFSource(reader, channelBuffer)
		src.closer = closer
		return src, nil
	}
	src := NewXMLSource(reader, channelBuffer)
	src.closer = closer
	return src, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
