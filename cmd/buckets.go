package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wegman-software/osmgraph-go/internal/config"
	"github.com/wegman-software/osmgraph-go/internal/spatial"
)

// more buckets than this are refused; a bbox that large should use a lower zoom
const maxBuckets = 1 << 16

var bucketsCmd = &cobra.Command{
	Use:   "buckets <minlon,minlat,maxlon,maxlat>",
	Short: "Print the bucket keys covering a bounding box",
	Long: `Print the geographic bucket keys that cover a bounding box, one per line.

Querying the bucket index with each key returns every node inside the box
(plus nodes of the same tiles just outside it).`,
	Args: cobra.ExactArgs(1),
	Run:  runBuckets,
}

func init() {
	rootCmd.AddCommand(bucketsCmd)
	bucketsCmd.Flags().IntVar(&cfg.BucketZoom, "bucket-zoom", cfg.BucketZoom, "Tile zoom level of the bucket key")
}

func runBuckets(cmd *cobra.Command, args []string) {
	bbox, err := config.ParseBBox(args[0])
	if err != nil {
		exitWithError("invalid bounding box", err)
	}
	if !bbox.IsSet {
		exitWithError("bounding box is required", nil)
	}
	if cfg.BucketZoom < 0 || cfg.BucketZoom > spatial.MaxBucketZoom {
		exitWithError(fmt.Sprintf("bucket zoom must be between 0 and %d", spatial.MaxBucketZoom), nil)
	}

	b := bbox.Spatial()
	topLeft := spatial.LatLonToTile(b.MaxLat, b.MinLon, cfg.BucketZoom)
	bottomRight := spatial.LatLonToTile(b.MinLat, b.MaxLon, cfg.BucketZoom)
	if n := (bottomRight.X - topLeft.X + 1) * (bottomRight.Y - topLeft.Y + 1); n > maxBuckets {
		exitWithError(fmt.Sprintf("bounding box covers %d buckets at zoom %d", n, cfg.BucketZoom), nil)
	}

	for _, k := range spatial.BBoxToBuckets(b, cfg.BucketZoom) {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
}
