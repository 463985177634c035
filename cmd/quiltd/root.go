package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/quilt/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "quiltd",
	Short: "quiltd - single-node container runtime daemon",
	Long: `quiltd runs containers on one host: a Linux network namespace and
cgroup per container, a local bridge with NAT to the outside world, an
embedded DNS server for container-name resolution, and a SQLite-backed
store of container state. There is no cluster, no scheduler, and no
raft — quiltd is the whole system on one machine.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("quiltd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
