package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/wegman-software/osmgraph-go/internal/config"
	"github.com/wegman-software/osmgraph-go/internal/schema"
	"github.com/wegman-software/osmgraph-go/internal/store"
	"github.com/wegman-software/osmgraph-go/internal/store/dynamo"
	"github.com/wegman-software/osmgraph-go/internal/store/memory"
	"github.com/wegman-software/osmgraph-go/internal/store/postgres"
)

// Store is everything a run needs from a store client
type Store interface {
	schema.Catalog
	store.Writer
	io.Closer
}

// OpenStore connects to the backend selected by cfg. Connection failures are
// fatal for the run.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		st, err := dynamo.New(ctx, dynamo.Options{
			Region:        cfg.Region,
			Endpoint:      cfg.Endpoint,
			BillingMode:   cfg.BillingMode,
			ReadCapacity:  cfg.ReadCapacity,
			WriteCapacity: cfg.WriteCapacity,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.BackendPostgres:
		st, err := postgres.New(ctx, postgres.Options{
			ConnString: cfg.ConnectionString(),
			Schema:     cfg.DBSchema,
			MaxConns:   int32(cfg.MaxConcurrency + 2),
			BatchSize:  cfg.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.BackendMemory:
		return memory.New(), nil
	}
	return nil, &config.ConfigError{Field: "backend", Err: fmt.Errorf("unknown backend %q", cfg.Backend)}
}
