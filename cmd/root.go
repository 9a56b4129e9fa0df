package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/config"
	"github.com/wegman-software/osmgraph-go/internal/logger"
)

var (
	cfg             = config.DefaultConfig()
	configFile      string
	verbose         bool
	logFile         string
	metricsInterval time.Duration
	backend         = string(cfg.Backend)
)

var rootCmd = &cobra.Command{
	Use:   "osmgraph",
	Short: "Load OpenStreetMap extracts into a key-value store as a node graph",
	Long: `osmgraph parses an OSM extract (XML or PBF), builds the node adjacency
graph from its ways and writes one item per node, way and relation into
DynamoDB or PostgreSQL.

Items carry a geographic bucket key so nodes can be queried by tile through
the table's bucket index.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := loadConfigFile(cmd.Flags(), configFile); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("backend") || configFile == "" {
			cfg.Backend = config.Backend(backend)
		}
		if cmd.Flags().Changed("verbose") {
			cfg.Verbose = verbose
		}
		if cmd.Flags().Changed("log-file") {
			cfg.LogFile = logFile
		}
		if cmd.Flags().Changed("metrics-interval") {
			cfg.MetricsInterval = metricsInterval
		}

		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		} else {
			logger.Init(cfg.Verbose)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file (flags override its values)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Logging and metrics flags
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&metricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")

	// Store flags
	rootCmd.PersistentFlags().StringVar(&backend, "backend", backend, "Store backend: dynamodb, postgres or memory")
	rootCmd.PersistentFlags().StringVarP(&cfg.TableName, "table", "t", cfg.TableName, "Target table name")
	rootCmd.PersistentFlags().StringVar(&cfg.Region, "region", cfg.Region, "AWS region for DynamoDB")
	rootCmd.PersistentFlags().StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "DynamoDB endpoint override (e.g., http://localhost:8000)")
	rootCmd.PersistentFlags().StringVar(&cfg.BillingMode, "billing-mode", cfg.BillingMode, "DynamoDB billing mode: PAY_PER_REQUEST or PROVISIONED")
	rootCmd.PersistentFlags().Int64Var(&cfg.ReadCapacity, "read-capacity", cfg.ReadCapacity, "Provisioned read capacity units")
	rootCmd.PersistentFlags().Int64Var(&cfg.WriteCapacity, "write-capacity", cfg.WriteCapacity, "Provisioned write capacity units")

	// Database flags
	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	rootCmd.PersistentFlags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// loadConfigFile reads path into cfg, then re-applies every flag given on the
// command line so flags take precedence over the file.
func loadConfigFile(flags *pflag.FlagSet, path string) error {
	changed := make(map[string]string)
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	if err := cfg.LoadFile(path); err != nil {
		return err
	}

	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return nil
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	os.Exit(1)
}
