package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/config"
	"github.com/wegman-software/osmgraph-go/internal/logger"
	"github.com/wegman-software/osmgraph-go/internal/pipeline"
)

// number of failed item IDs printed after a run
const maxFailedIDsLogged = 20

var bboxFlag string

var importCmd = &cobra.Command{
	Use:   "import <input.osm|input.osm.pbf>",
	Short: "Run the full ingestion pipeline (parse → graph → schema → load)",
	Long: `Parse an OSM extract, build the node adjacency graph and write it to the
configured store.

The run goes through these stages:
  1. Parse the file and build the graph in a single pass
  2. Make sure the target table and its bucket index exist
  3. Write node, way and relation items with bounded concurrency

Malformed entities and failed items are counted and reported without stopping
the run. Configuration, schema and store-wide errors abort it.
Interrupting the command cancels the run and reports what was written.`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	addSourceFlags(importCmd)

	importCmd.Flags().BoolVar(&cfg.ResetMode, "reset", cfg.ResetMode, "Drop and recreate the table before loading")
	importCmd.Flags().IntVar(&cfg.BucketZoom, "bucket-zoom", cfg.BucketZoom, "Tile zoom level of the geographic bucket key")
	importCmd.Flags().IntVarP(&cfg.MaxConcurrency, "concurrency", "j", cfg.MaxConcurrency, "Number of concurrent writers")
	importCmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Items per batch write")
	importCmd.Flags().IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Write attempts per item before it is marked failed")
	importCmd.Flags().DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", cfg.RetryBaseDelay, "Initial backoff between write retries")
	importCmd.Flags().DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum backoff between write retries")
	importCmd.Flags().Float64Var(&cfg.WriteRate, "write-rate", cfg.WriteRate, "Maximum items written per second (0 = unlimited)")
	importCmd.Flags().DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Interval for load progress logging")
}

// addSourceFlags registers the flags shared by commands that read an extract
func addSourceFlags(c *cobra.Command) {
	c.Flags().StringVar(&bboxFlag, "bbox", "", "Only keep nodes inside minlon,minlat,maxlon,maxlat")
	c.Flags().StringVarP(&cfg.StyleFile, "style", "S", cfg.StyleFile, "Tag filter (.yaml) or Lua transform (.lua)")
	c.Flags().IntVar(&cfg.ChannelBuffer, "channel-buffer", cfg.ChannelBuffer, "Entities buffered between parser and graph builder")
}

// applySource sets the source path and the bbox flag on cfg
func applySource(path string) {
	cfg.SourcePath = path
	if bboxFlag != "" {
		bbox, err := config.ParseBBox(bboxFlag)
		if err != nil {
			exitWithError("invalid bounding box", err)
		}
		cfg.BBox = bbox
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runImport(cmd *cobra.Command, args []string) {
	applySource(args[0])
	log := logger.Get()

	if err := cfg.Validate(true); err != nil {
		exitWithError("invalid configuration", err)
	}

	log.Info("Starting import",
		zap.String("source", cfg.SourcePath),
		zap.String("backend", string(cfg.Backend)),
		zap.String("table", cfg.TableName),
		zap.Stringer("bbox", cfg.BBox),
		zap.Int("concurrency", cfg.MaxConcurrency),
		zap.Bool("reset", cfg.ResetMode),
	)

	ctx, stop := signalContext()
	defer stop()

	st, err := pipeline.OpenStore(ctx, cfg)
	if err != nil {
		exitWithError("failed to connect to store", err)
	}
	defer st.Close()

	summary, err := pipeline.NewCoordinator(cfg, st).Run(ctx)
	logSummary(summary)
	if err != nil {
		st.Close()
		exitWithError("import failed", err)
	}
}

func logSummary(s *pipeline.Summary) {
	if s == nil {
		return
	}
	log := logger.Get()

	log.Info("Run summary",
		zap.Stringer("state", s.State),
		zap.Duration("duration", s.Duration.Round(time.Millisecond)),
		zap.Int64("nodes_parsed", s.NodesParsed),
		zap.Int64("ways_parsed", s.WaysParsed),
		zap.Int64("relations_parsed", s.RelationsParsed),
		zap.Int64("parse_errors", s.ParseErrors),
		zap.Int64("filtered", s.NodesFiltered+s.WaysFiltered+s.RelationsFiltered),
		zap.Int64("edges", s.EdgesBuilt),
		zap.Int64("unresolved_refs", s.UnresolvedRefs),
		zap.Bool("table_created", s.TableCreated),
		zap.Int64("items_total", s.ItemsTotal),
		zap.Int64("items_written", s.ItemsWritten),
		zap.Int64("items_failed", s.ItemsFailed),
		zap.Int64("retries", s.Retries),
	)

	if s.State == pipeline.StateFailed {
		log.Error("Run did not complete",
			zap.Stringer("failed_in", s.FailedIn),
			zap.String("reason", s.FatalReason),
			zap.Bool("partial", s.Partial),
		)
	}

	if n := len(s.FailedIDs); n > 0 {
		ids := s.FailedIDs
		if n > maxFailedIDsLogged {
			ids = ids[:maxFailedIDsLogged]
		}
		log.Warn("Items failed after retries",
			zap.Int("count", n),
			zap.Strings("ids", ids),
		)
	}
}
