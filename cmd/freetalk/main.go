package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	devLogs bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "freetalk",
	Short: "Live post feed for the talk contract",
	Long: `freetalk follows the talk contract's createpost actions through a
dfuse subscription, keeps a reorg-aware post ledger, and serves it to browser
clients over a websocket at /posts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./freetalk.yaml or ./configs/freetalk.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "human-readable development logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() *zap.Logger {
	if devLogs {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the freetalk version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "freetalk %s\n", version)
	},
}
