package element

import (
	"fmt"
	"sort"
)

// Kind identifies the OSM entity type of a record
type Kind string

const (
	KindNode     Kind = "node"
	KindWay      Kind = "way"
	KindRelation Kind = "relation"
)

// ParseKind converts an OSM type name to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "node", "n":
		return KindNode, nil
	case "way", "w":
		return KindWay, nil
	case "relation", "r":
		return KindRelation, nil
	}
	return "", fmt.Errorf("unknown element type %q", s)
}

// FeatureID returns the "<kind>/<id>" key used to address a record in the store.
// Node, way and relation ids share a numeric space, so the kind is part of the key.
func FeatureID(kind Kind, id int64) string {
	return fmt.Sprintf("%s/%d", kind, id)
}

// Tags holds OSM key/value pairs
type Tags map[string]string

// Keys returns the tag keys in sorted order
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of the tags
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	c := make(Tags, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// Node is a geographic point with tags
type Node struct {
	ID   int64
	Lat  Coord
	Lon  Coord
	Tags Tags
}

// Way is an ordered path of node references
type Way struct {
	ID       int64
	Tags     Tags
	NodeRefs []int64 // kept verbatim, including refs that never resolve
}

// Member is one entry of a relation
type Member struct {
	Type Kind   `json:"type" dynamodbav:"type"`
	Ref  int64  `json:"ref" dynamodbav:"ref"`
	Role string `json:"role" dynamodbav:"role"`
}

// Relation is an ordered collection of members. Members are stored as-is,
// nested relations are never resolved.
type Relation struct {
	ID      int64
	Tags    Tags
	Members []Member
}
