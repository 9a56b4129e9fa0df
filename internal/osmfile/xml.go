package osmfile

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

// XMLSource streams entities from an OSM XML document (.osm)
type XMLSource struct {
	reader        io.Reader
	closer        io.Closer
	channelBuffer int
	counters      counters
}

// NewXMLSource creates a source reading OSM XML from r
func NewXMLSource(r io.Reader, channelBuffer int) *XMLSource {
	if channelBuffer <= 0 {
		channelBuffer = 1000
	}
	return &XMLSource{reader: r, channelBuffer: channelBuffer}
}

// Stats returns parsing statistics
func (s *XMLSource) Stats() Stats {
	return s.counters.snapshot()
}

// Close releases the underlying reader if it was opened by this package
func (s *XMLSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Entities starts decoding in the background and streams entities in file order
func (s *XMLSource) Entities(ctx context.Context) (<-chan Entity, <-chan error) {
	out := make(chan Entity, s.channelBuffer)
	errChan := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errChan)

		if err := s.parse(ctx, out); err != nil {
			errChan <- err
		}
	}()

	return out, errChan
}

func (s *XMLSource) parse(ctx context.Context, out chan<- Entity) error {
	decoder := xml.NewDecoder(s.reader)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("XML parse error: %w", err)
		}

		se, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		var entity Entity
		switch se.Name.Local {
		case "node":
			entity, err = parseNode(decoder, se)
		case "way":
			entity, err = parseWay(decoder, se)
		case "relation":
			entity, err = parseRelation(decoder, se)
		default:
			// <osm>, <bounds>, <changeset> ...
			continue
		}
		if err != nil {
			return fmt.Errorf("XML parse error: %w", err)
		}
		if err := s.counters.emit(ctx, out, entity); err != nil {
			return err
		}
	}
}

// recordErrors collects the first problem found in a record. Later problems
// are dropped, the record is rejected either way.
type recordErrors struct {
	err error
}

func (r *recordErrors) add(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func parseID(raw string, errs *recordErrors) int64 {
	if raw == "" {
		errs.add("missing id")
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		errs.add("unparseable id: %w", err)
		return 0
	}
	if id == 0 {
		errs.add("id must be non-zero")
	}
	return id
}

func parseTag(se xml.StartElement, tags element.Tags) {
	var k, v string
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "k":
			k = attr.Value
		case "v":
			v = attr.Value
		}
	}
	// duplicate keys: last one wins
	if k != "" {
		tags[k] = v
	}
}

// parseNode parses a node element
func parseNode(decoder *xml.Decoder, start xml.StartElement) (Entity, error) {
	var errs recordErrors
	var rawID, rawLat, rawLon string
	hasLat, hasLon := false, false

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "id":
			rawID = attr.Value
		case "lat":
			rawLat, hasLat = attr.Value, true
		case "lon":
			rawLon, hasLon = attr.Value, true
		}
	}

	node := &element.Node{Tags: make(element.Tags)}
	node.ID = parseID(rawID, &errs)

	if !hasLat || !hasLon {
		errs.add("missing coordinates")
	} else {
		lat, err := element.ParseCoord(rawLat)
		if err != nil {
			errs.add("invalid lat: %w", err)
		} else if !lat.ValidLat() {
			errs.add("lat %s out of range", lat)
		}
		lon, err := element.ParseCoord(rawLon)
		if err != nil {
			errs.add("invalid lon: %w", err)
		} else if !lon.ValidLon() {
			errs.add("lon %s out of range", lon)
		}
		node.Lat, node.Lon = lat, lon
	}

	for {
		token, err := decoder.Token()
		if err != nil {
			return Entity{}, err
		}

		switch se := token.(type) {
		case xml.StartElement:
			if se.Name.Local == "tag" {
				parseTag(se, node.Tags)
			}
			if err := decoder.Skip(); err != nil {
				return Entity{}, err
			}
		case xml.EndElement:
			if se.Name.Local == "node" {
				if errs.err != nil {
					return Entity{Kind: element.KindNode, Err: &ParseError{EntityType: element.KindNode, RawID: rawID, Cause: errs.err}}, nil
				}
				return Entity{Kind: element.KindNode, Node: node}, nil
			}
		}
	}
}

// parseWay parses a way element
func parseWay(decoder *xml.Decoder, start xml.StartElement) (Entity, error) {
	var errs recordErrors
	var rawID string
	for _, attr := range start.Attr {
		if attr.Name.Local == "id" {
			rawID = attr.Value
		}
	}

	way := &element.Way{
		Tags:     make(element.Tags),
		NodeRefs: make([]int64, 0, 16),
	}
	way.ID = parseID(rawID, &errs)

	for {
		token, err := decoder.Token()
		if err != nil {
			return Entity{}, err
		}

		switch se := token.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "nd":
				// a dropped ref would join its neighbours into a false segment
				hasRef := false
				for _, attr := range se.Attr {
					if attr.Name.Local == "ref" {
						hasRef = true
						ref, err := strconv.ParseInt(attr.Value, 10, 64)
						if err != nil {
							errs.add("unparseable node ref %q: %w", attr.Value, err)
							continue
						}
						way.NodeRefs = append(way.NodeRefs, ref)
					}
				}
				if !hasRef {
					errs.add("nd without ref")
				}
			case "tag":
				parseTag(se, way.Tags)
			}
			if err := decoder.Skip(); err != nil {
				return Entity{}, err
			}
		case xml.EndElement:
			if se.Name.Local == "way" {
				if errs.err != nil {
					return Entity{Kind: element.KindWay, Err: &ParseError{EntityType: element.KindWay, RawID: rawID, Cause: errs.err}}, nil
				}
				return Entity{Kind: element.KindWay, Way: way}, nil
			}
		}
	}
}

// parseRelation parses a relation element
func parseRelation(decoder *xml.Decoder, start xml.StartElement) (Entity, error) {
	var errs recordErrors
	var rawID string
	for _, attr := range start.Attr {
		if attr.Name.Local == "id" {
			rawID = attr.Value
		}
	}

	rel := &element.Relation{
		Tags:    make(element.Tags),
		Members: make([]element.Member, 0, 8),
	}
	rel.ID = parseID(rawID, &errs)

	for {
		token, err := decoder.Token()
		if err != nil {
			return Entity{}, err
		}

		switch se := token.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "member":
				rel.Members = append(rel.Members, parseMember(se, &errs))
			case "tag":
				parseTag(se, rel.Tags)
			}
			if err := decoder.Skip(); err != nil {
				return Entity{}, err
			}
		case xml.EndElement:
			if se.Name.Local == "relation" {
				if errs.err != nil {
					return Entity{Kind: element.KindRelation, Err: &ParseError{EntityType: element.KindRelation, RawID: rawID, Cause: errs.err}}, nil
				}
				return Entity{Kind: element.KindRelation, Relation: rel}, nil
			}
		}
	}
}

func parseMember(se xml.StartElement, errs *recordErrors) element.Member {
	member := element.Member{}
	hasRef := false
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "type":
			kind, err := element.ParseKind(attr.Value)
			if err != nil {
				errs.add("member: %w", err)
			}
			member.Type = kind
		case "ref":
			ref, err := strconv.ParseInt(attr.Value, 10, 64)
			if err != nil {
				errs.add("unparseable member ref %q: %w", attr.Value, err)
			}
			member.Ref = ref
			hasRef = true
		case "role":
			member.Role = attr.Value
		}
	}
	if member.Type == "" {
		errs.add("member without type")
	}
	if !hasRef {
		errs.add("member without ref")
	}
	return member
}
