package cmd

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is set by the release build via -ldflags; "dev" otherwise.
var version = "dev"

// initVersion prints human-readable build information. logrus, rather
// than the request-scoped zerolog used elsewhere, keeps one-off CLI
// output on the simpler logger while request machinery gets the
// structured one.
func initVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(*cobra.Command, []string) {
			log := logrus.StandardLogger()
			log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

			fields := logrus.Fields{"version": version}
			if bi, ok := debug.ReadBuildInfo(); ok {
				fields["go_version"] = bi.GoVersion
			}
			log.WithFields(fields).Info("ingest")
		},
	}
}
