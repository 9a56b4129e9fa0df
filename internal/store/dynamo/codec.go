package dynamo

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/store"
)

// record mirrors the stored attribute layout for decoding
type record struct {
	ID        string                 `dynamodbav:"id"`
	Type      string                 `dynamodbav:"type"`
	OsmID     int64                  `dynamodbav:"osm_id"`
	Tags      map[string]string      `dynamodbav:"tags"`
	Latitude  *attributevalue.Number `dynamodbav:"latitude"`
	Longitude *attributevalue.Number `dynamodbav:"longitude"`
	Bucket    string                 `dynamodbav:"bucket"`
	Adjacency []int64                `dynamodbav:"adjacency"`
	NodeRefs  []int64                `dynamodbav:"node_refs"`
	Members   []element.Member       `dynamodbav:"members"`
}

func marshalTags(tags element.Tags) (types.AttributeValue, error) {
	return attributevalue.Marshal(map[string]string(tags))
}

func marshalMembers(members []element.Member) (types.AttributeValue, error) {
	return attributevalue.Marshal(members)
}

// UnmarshalItem decodes an item written by the store
func UnmarshalItem(av map[string]types.AttributeValue) (store.Item, error) {
	var rec record
	if err := attributevalue.UnmarshalMap(av, &rec); err != nil {
		return store.Item{}, fmt.Errorf("failed to unmarshal item: %w", err)
	}

	kind, err := element.ParseKind(rec.Type)
	if err != nil {
		return store.Item{}, fmt.Errorf("item %s: %w", rec.ID, err)
	}

	item := store.Item{
		ID:        rec.ID,
		Kind:      kind,
		OsmID:     rec.OsmID,
		Tags:      element.Tags(rec.Tags),
		Bucket:    rec.Bucket,
		Adjacency: rec.Adjacency,
		NodeRefs:  rec.NodeRefs,
		Members:   rec.Members,
	}

	if rec.Latitude != nil && rec.Longitude != nil {
		if item.Lat, err = element.ParseCoord(rec.Latitude.String()); err != nil {
			return store.Item{}, fmt.Errorf("item %s latitude: %w", rec.ID, err)
		}
		if item.Lon, err = element.ParseCoord(rec.Longitude.String()); err != nil {
			return store.Item{}, fmt.Errorf("item %s longitude: %w", rec.ID, err)
		}
		item.HasCoords = true
	}
	return item, nil
}
