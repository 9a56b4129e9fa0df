package osmfile

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

// PBFSource streams entities from an OSM PBF file. Blocks are decoded in
// parallel by osmpbf but objects are still delivered in file order.
type PBFSource struct {
	reader        io.Reader
	closer        io.Closer
	procs         int
	channelBuffer int
	counters      counters
}

// NewPBFSource creates a source reading PBF data from r
func NewPBFSource(r io.Reader, channelBuffer int) *PBFSource {
	if channelBuffer <= 0 {
		channelBuffer = 1000
	}
	return &PBFSource{
		reader:        r,
		procs:         runtime.NumCPU(),
		channelBuffer: channelBuffer,
	}
}

// Stats returns parsing statistics
func (s *PBFSource) Stats() Stats {
	return s.counters.snapshot()
}

// Close releases the underlying reader if it was opened by this package
func (s *PBFSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Entities starts scanning in the background and streams entities in file order
func (s *PBFSource) Entities(ctx context.Context) (<-chan Entity, <-chan error) {
	out := make(chan Entity, s.channelBuffer)
	errChan := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errChan)

		scanner := osmpbf.New(ctx, s.reader, s.procs)
		defer scanner.Close()

		for scanner.Scan() {
			entity, ok := convertObject(scanner.Object())
			if !ok {
				continue
			}
			if err := s.counters.emit(ctx, out, entity); err != nil {
				errChan <- err
				return
			}
		}

		if err := scanner.Err(); err != nil && err != io.EOF {
			errChan <- fmt.Errorf("PBF decode error: %w", err)
		}
	}()

	return out, errChan
}

// convertObject maps a decoded osm object to an entity. PBF framing already
// guarantees well-formed ids and coordinates, so only semantic checks remain.
func convertObject(obj osm.Object) (Entity, bool) {
	switch o := obj.(type) {
	case *osm.Node:
		rawID := strconv.FormatInt(int64(o.ID), 10)
		lat := element.CoordFromFloat(o.Lat)
		lon := element.CoordFromFloat(o.Lon)
		if o.ID == 0 || !lat.ValidLat() || !lon.ValidLon() {
			return Entity{Kind: element.KindNode, Err: &ParseError{
				EntityType: element.KindNode,
				RawID:      rawID,
				Cause:      fmt.Errorf("invalid id or coordinates (%f, %f)", o.Lat, o.Lon),
			}}, true
		}
		return Entity{Kind: element.KindNode, Node: &element.Node{
			ID:   int64(o.ID),
			Lat:  lat,
			Lon:  lon,
			Tags: tagsFromOSM(o.Tags),
		}}, true

	case *osm.Way:
		if o.ID == 0 {
			return Entity{Kind: element.KindWay, Err: &ParseError{
				EntityType: element.KindWay, RawID: "0", Cause: fmt.Errorf("id must be non-zero"),
			}}, true
		}
		refs := make([]int64, len(o.Nodes))
		for i, wn := range o.Nodes {
			refs[i] = int64(wn.ID)
		}
		return Entity{Kind: element.KindWay, Way: &element.Way{
			ID:       int64(o.ID),
			Tags:     tagsFromOSM(o.Tags),
			NodeRefs: refs,
		}}, true

	case *osm.Relation:
		rawID := strconv.FormatInt(int64(o.ID), 10)
		if o.ID == 0 {
			return Entity{Kind: element.KindRelation, Err: &ParseError{
				EntityType: element.KindRelation, RawID: rawID, Cause: fmt.Errorf("id must be non-zero"),
			}}, true
		}
		members := make([]element.Member, 0, len(o.Members))
		for _, m := range o.Members {
			kind, err := element.ParseKind(string(m.Type))
			if err != nil {
				return Entity{Kind: element.KindRelation, Err: &ParseError{
					EntityType: element.KindRelation, RawID: rawID, Cause: fmt.Errorf("member: %w", err),
				}}, true
			}
			members = append(members, element.Member{Type: kind, Ref: m.Ref, Role: m.Role})
		}
		return Entity{Kind: element.KindRelation, Relation: &element.Relation{
			ID:      int64(o.ID),
			Tags:    tagsFromOSM(o.Tags),
			Members: members,
		}}, true
	}
	return Entity{}, false
}

// tagsFromOSM converts osm.Tags to a map; duplicate keys resolve last-wins
func tagsFromOSM(tags osm.Tags) element.Tags {
	m := make(element.Tags, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}
