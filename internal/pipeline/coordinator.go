package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/config"
	"github.com/wegman-software/osmgraph-go/internal/graph"
	"github.com/wegman-software/osmgraph-go/internal/loader"
	"github.com/wegman-software/osmgraph-go/internal/logger"
	"github.com/wegman-software/osmgraph-go/internal/metrics"
	"github.com/wegman-software/osmgraph-go/internal/osmfile"
	"github.com/wegman-software/osmgraph-go/internal/schema"
)

// Coordinator sequences an ingestion run: parse and build in one pass, gate on
// the schema, then load. A Coordinator runs once.
type Coordinator struct {
	cfg   *config.Config
	store Store

	state atomic.Int32

	mu      sync.Mutex
	summary *Summary
	started bool
}

// NewCoordinator creates a coordinator. st may be nil for BuildOnly.
func NewCoordinator(cfg *config.Config, st Store) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		store:   st,
		summary: &Summary{Path: []State{StateIdle}},
	}
}

// State returns the current state. It is safe to call while a run is in progress.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) enter(s State) {
	c.state.Store(int32(s))
	c.mu.Lock()
	c.summary.State = s
	c.summary.Path = append(c.summary.Path, s)
	c.mu.Unlock()
	logger.Get().Debug("Pipeline state", zap.Stringer("state", s))
}

// fail moves the run to Failed and records why
func (c *Coordinator) fail(err error) error {
	stage := c.State()
	c.mu.Lock()
	c.summary.FailedIn = stage
	c.summary.FatalReason = err.Error()
	c.mu.Unlock()
	c.enter(StateFailed)
	logger.Get().Error("Run failed", zap.Stringer("stage", stage), zap.Error(err))
	return err
}

func (c *Coordinator) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coordinator already ran")
	}
	c.started = true
	return nil
}

// Run executes the whole pipeline. It always returns a summary; when the run
// fails the error is the fatal cause and the summary holds the counts reached.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	log := logger.Get()
	start := time.Now()
	defer c.update(func(s *Summary) { s.Duration = time.Since(start) })

	if err := c.cfg.Validate(true); err != nil {
		return c.summary, c.fail(err)
	}
	if c.store == nil {
		return c.summary, c.fail(&config.ConfigError{Field: "backend", Err: errors.New("no store client")})
	}

	defer c.startMetrics(ctx)()

	g, err := c.build(ctx)
	if err != nil {
		return c.summary, c.fail(err)
	}

	// Schema gate: nothing is written unless the table is known to exist
	manager := schema.NewManager(c.store, schema.Default(c.cfg.TableName))
	var created bool
	if c.cfg.ResetMode {
		err = manager.Reset(ctx)
		created = err == nil
	} else {
		created, err = manager.Ensure(ctx)
	}
	c.update(func(s *Summary) { s.TableCreated = created })
	if err != nil {
		return c.summary, c.fail(err)
	}
	c.enter(StateSchemaReady)

	c.enter(StateLoading)
	l := loader.New(c.store, loader.Options{
		Table:            c.cfg.TableName,
		Workers:          c.cfg.MaxConcurrency,
		BatchSize:        c.cfg.BatchSize,
		MaxAttempts:      c.cfg.MaxAttempts,
		RetryBaseDelay:   c.cfg.RetryBaseDelay,
		RetryMaxDelay:    c.cfg.RetryMaxDelay,
		WriteRate:        c.cfg.WriteRate,
		ProgressInterval: c.cfg.ProgressInterval,
	})
	total := g.ItemCount()
	report, err := l.Load(ctx, loader.GraphItems(g, c.cfg.BucketZoom), total)
	c.recordLoad(report)
	if err != nil {
		c.update(func(s *Summary) { s.Partial = true })
		return c.summary, c.fail(fmt.Errorf("loading stopped: %w", err))
	}

	c.enter(StateDone)
	log.Info("Import complete",
		zap.Int64("nodes", c.summary.Nodes),
		zap.Int64("ways", c.summary.Ways),
		zap.Int64("relations", c.summary.Relations),
		zap.Int64("edges", c.summary.EdgesBuilt),
		zap.Int64("written", c.summary.ItemsWritten),
		zap.Int64("failed", c.summary.ItemsFailed),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	return c.summary, nil
}

// BuildOnly parses the source and builds the graph without touching a store
func (c *Coordinator) BuildOnly(ctx context.Context) (*graph.Graph, *Summary, error) {
	if err := c.begin(); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	defer c.update(func(s *Summary) { s.Duration = time.Since(start) })

	if err := c.cfg.Validate(false); err != nil {
		return nil, c.summary, c.fail(err)
	}
	defer c.startMetrics(ctx)()

	g, err := c.build(ctx)
	if err != nil {
		return nil, c.summary, c.fail(err)
	}
	c.enter(StateDone)
	return g, c.summary, nil
}

// startMetrics logs system metrics while the run is in progress. The returned
// function stops collection.
func (c *Coordinator) startMetrics(ctx context.Context) (stop func()) {
	if c.cfg.MetricsInterval <= 0 {
		return func() {}
	}
	metricsCtx, cancel := context.WithCancel(ctx)
	collector := metrics.NewCollector(c.cfg.MetricsInterval, logger.Get()).
		WithStage(func() string { return c.State().String() })
	go collector.Start(metricsCtx)
	logger.Get().Info("System metrics collection started",
		zap.Duration("interval", c.cfg.MetricsInterval))
	return cancel
}

// build runs the single parse and build pass
func (c *Coordinator) build(ctx context.Context) (*graph.Graph, error) {
	log := logger.Get()

	processor, err := LoadTagProcessor(c.cfg.StyleFile)
	if err != nil {
		return nil, &config.ConfigError{Field: "style_file", Err: err}
	}
	defer processor.Close()

	src, err := osmfile.Open(c.cfg.SourcePath, c.cfg.ChannelBuffer)
	if err != nil {
		return nil, &config.ConfigError{Field: "source_path", Err: err}
	}
	defer src.Close()

	c.enter(StateParsing)
	log.Info("Parsing map file", zap.String("source", c.cfg.SourcePath))
	parseStart := time.Now()

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	entities, errChan := src.Entities(streamCtx)

	b := graph.NewBuilder()
	f := filter{bbox: c.cfg.BBox, processor: processor}
	var passErr error

	for e := range entities {
		if passErr != nil {
			continue // drain so the decoder can exit
		}
		if e.Err != nil {
			log.Debug("Skipping malformed record", zap.Error(e.Err))
			continue
		}
		keep, err := f.apply(&e)
		if err != nil {
			passErr = err
			cancelStream()
			continue
		}
		if !keep {
			continue
		}
		warning, err := b.Add(e)
		if err != nil {
			passErr = err
			cancelStream()
			continue
		}
		if warning != nil {
			log.Debug("Unresolved node refs", zap.Int64("way", warning.WayID),
				zap.Int("count", warning.UnresolvedRefCount))
		}
	}
	streamErr := <-errChan

	c.recordParse(src.Stats(), f)
	switch {
	case passErr != nil:
		return nil, passErr
	case ctx.Err() != nil:
		return nil, fmt.Errorf("parsing cancelled: %w", ctx.Err())
	case streamErr != nil:
		return nil, fmt.Errorf("reading %s: %w", c.cfg.SourcePath, streamErr)
	}

	c.enter(StateBuilding)
	g, err := b.Finalize()
	if err != nil {
		return nil, err
	}
	c.recordGraph(g.Stats())

	log.Info("Graph built",
		zap.Int64("nodes", c.summary.Nodes),
		zap.Int64("ways", c.summary.Ways),
		zap.Int64("relations", c.summary.Relations),
		zap.Int64("edges", c.summary.EdgesBuilt),
		zap.Int64("parse_errors", c.summary.ParseErrors),
		zap.Int64("unresolved_refs", c.summary.UnresolvedRefs),
		zap.Duration("duration", time.Since(parseStart).Round(time.Millisecond)),
	)
	return g, nil
}

// update applies fn to the summary under the lock
func (c *Coordinator) update(fn func(s *Summary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.summary)
}

// Snapshot returns a copy of the summary as it stands. It is safe to call
// while a run is in progress.
func (c *Coordinator) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := *c.summary
	s.Path = append([]State(nil), c.summary.Path...)
	s.FailedIDs = append([]string(nil), c.summary.FailedIDs...)
	return s
}

func (c *Coordinator) recordParse(st osmfile.Stats, f filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary
	s.NodesParsed = st.Nodes
	s.WaysParsed = st.Ways
	s.RelationsParsed = st.Relations
	s.ParseErrors = st.ParseErrors
	s.BytesRead = st.BytesTotal
	s.NodesFiltered = f.nodes
	s.WaysFiltered = f.ways
	s.RelationsFiltered = f.relations
}

func (c *Coordinator) recordGraph(st graph.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary
	s.Nodes = st.Nodes
	s.Ways = st.Ways
	s.Relations = st.Relations
	s.EdgesBuilt = st.EdgesBuilt
	s.SelfLoopsSkipped = st.SelfLoopsSkipped
	s.UnresolvedRefs = st.UnresolvedRefs
	s.DistinctUnresolved = st.DistinctUnresolved
	s.Warnings = st.Warnings
}

func (c *Coordinator) recordLoad(r *loader.Report) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary
	s.ItemsTotal = r.Total
	s.ItemsWritten = r.Written
	s.ItemsFailed = r.Failed
	s.ItemsSkipped = r.Skipped
	s.Retries = r.Retries
	s.Batches = r.Batches
	s.FailedIDs = r.FailedIDs
}
