// Command mash is the single binary that runs any pipeline stage
// service, the Job Creator, the OBS Watchdog, or inspects persisted
// job state, selected by cobra subcommand.
package main

import "github.com/3leaps/mash/internal/cmd"

// version, commit, and date are populated via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, date)
	cmd.Execute()
}
