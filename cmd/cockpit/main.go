package main

import (
	"fmt"
	"os"

	"github.com/orthancfleet/cockpit/pkg/config"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cockpit",
	Short: "Cockpit - Orthanc fleet manager for Docker Swarm",
	Long: `Cockpit provisions Orthanc servers on a Docker Swarm cluster, registers
remote servers and DICOM modalities, and keeps the DICOM connections between
them configured on both ends.

The fleet is recorded as a graph of servers, modalities, hosts, connections,
users and tags. "cockpit serve" keeps it in line with the cluster.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		log.Init(cfg.Logging())
		metrics.SetVersion(Version)
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cockpit version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./cockpit.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(modalityCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(applyCmd)
}
