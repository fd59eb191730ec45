// Command scstadmin parses a declarative SCST configuration, reads the
// live control filesystem, and converges one to the other.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/truenas/truenas-pyscstadmin/internal/history"
	"github.com/truenas/truenas-pyscstadmin/internal/modules"
	"github.com/truenas/truenas-pyscstadmin/internal/sysfs"
	"github.com/truenas/truenas-pyscstadmin/internal/version"
)

var (
	cfgFile     string
	controlRoot string
	modulesFile string
	historyDB   string
	timeout     time.Duration
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:     "scstadmin",
	Short:   "Converge the SCST control filesystem to a declarative configuration",
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/scst.conf", "configuration file")
	rootCmd.PersistentFlags().StringVar(&controlRoot, "root", "/sys/kernel/scst_tgt", "control filesystem root")
	rootCmd.PersistentFlags().StringVar(&modulesFile, "modules-policy", "", "YAML module policy overlay (optional)")
	rootCmd.PersistentFlags().StringVar(&historyDB, "history-db", history.DefaultPath, "run history database path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "management command timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(historyCmd)
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func buildAdapter() *sysfs.Adapter {
	return sysfs.New(afero.NewOsFs(), controlRoot, timeout)
}

func loadPolicy() (*modules.Policy, error) {
	return modules.Load(modulesFile)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
