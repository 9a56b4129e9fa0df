package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/logger"
	"github.com/wegman-software/osmgraph-go/internal/pipeline"
	"github.com/wegman-software/osmgraph-go/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the target table and its bucket index",
	Long: `Make sure the target table exists with the item key and the geographic
bucket index. An existing table is left untouched unless --reset is given,
in which case it is dropped with all its items and created again.`,
	Args: cobra.NoArgs,
	Run:  runSchema,
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables of the configured store",
	Args:  cobra.NoArgs,
	Run:   runTables,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(tablesCmd)

	schemaCmd.Flags().BoolVar(&cfg.ResetMode, "reset", cfg.ResetMode, "Drop and recreate the table")
}

func runSchema(cmd *cobra.Command, args []string) {
	log := logger.Get()
	if err := cfg.ValidateStore(); err != nil {
		exitWithError("invalid configuration", err)
	}

	ctx, stop := signalContext()
	defer stop()

	st, err := pipeline.OpenStore(ctx, cfg)
	if err != nil {
		exitWithError("failed to connect to store", err)
	}
	defer st.Close()

	manager := schema.NewManager(st, schema.Default(cfg.TableName))
	if cfg.ResetMode {
		if err := manager.Reset(ctx); err != nil {
			st.Close()
			exitWithError("failed to reset table", err)
		}
		log.Info("Table recreated", zap.String("table", cfg.TableName))
		return
	}

	created, err := manager.Ensure(ctx)
	if err != nil {
		st.Close()
		exitWithError("failed to ensure table", err)
	}
	log.Info("Table ready", zap.String("table", cfg.TableName), zap.Bool("created", created))
}

func runTables(cmd *cobra.Command, args []string) {
	if err := cfg.ValidateStore(); err != nil {
		exitWithError("invalid configuration", err)
	}

	ctx, stop := signalContext()
	defer stop()

	st, err := pipeline.OpenStore(ctx, cfg)
	if err != nil {
		exitWithError("failed to connect to store", err)
	}
	defer st.Close()

	tables, err := st.ListTables(ctx)
	if err != nil {
		st.Close()
		exitWithError("failed to list tables", err)
	}
	for _, name := range tables {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	if len(tables) == 0 {
		logger.Get().Info("No tables found", zap.String("backend", string(cfg.Backend)))
	}
}
