// Package cmd implements the mash command-line entry point: a single
// binary that can run any pipeline stage service, the Job Creator, the
// OBS Watchdog, or inspect persisted job state, selected by cobra
// subcommand.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AppIdentity names this binary for the purposes of locating its
// config file and data directories.
type AppIdentity struct {
	Name       string
	BinaryName string
	ConfigName string
}

var appIdentity *AppIdentity

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mash",
	Short: "mash orchestrates multi-stage cloud machine-image pipelines",
	Long: `mash drives a cloud machine-image build pipeline through its
stages (obs, upload, create, test, raw_image_upload, replicate,
publish, deprecate), each an independently runnable broker-consuming
service, plus the Job Creator that accepts new jobs and the OBS
Watchdog that polls for upstream package changes.`,
}

// Execute runs the root command. cmd/mash's main calls this directly.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/mash/mash_config.yaml)")

	appIdentity = &AppIdentity{
		Name:       "mash",
		BinaryName: "mash",
		ConfigName: "mash",
	}
}

func initConfig() {
	setDefaults()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig()
	}
}

// setDefaults seeds the global viper instance with the ambient
// defaults every mash subcommand relies on before internal/config's
// layered Load takes over for service-specific keys.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)

	viper.SetDefault("workers", 4)
}

// SetVersionInfo is called from main with build-time ldflags values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the binary's identity, or nil before init has
// run (e.g. in a test that clears it explicitly).
func GetAppIdentity() *AppIdentity {
	return appIdentity
}
