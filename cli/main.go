package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pagelog"
)

var (
	dbPath                           string
	standalone                       bool
	recoverToTS                      uint64
	takeUnstableCheckpointOnShutdown bool
	readOnly                         bool
	verbose                          bool
)

var rootCmd = &cobra.Command{
	Use:   "pagelog-recover",
	Short: "replay the committed prefix of the operation log into the data files",
	RunE:  run,
}

func init() {
	addRecoveryFlags(rootCmd.Flags())
}

func addRecoveryFlags(flags *pflag.FlagSet) {
	flags.StringVar(&dbPath, "db", "pagelog.db", "path to the data file")
	flags.BoolVar(&standalone, "standalone-recovery", false,
		"recover outside the replica configuration and switch to read-only mode")
	flags.Uint64Var(&recoverToTS, "recover-to-timestamp", 0,
		"replay only up to this timestamp (inclusive)")
	flags.BoolVar(&takeUnstableCheckpointOnShutdown, "take-unstable-checkpoint-on-shutdown", false,
		"permit standalone recovery from an up-to-date unstable checkpoint")
	flags.BoolVar(&readOnly, "read-only", false, "open the engine read-only")
	flags.BoolVar(&verbose, "verbose", false, "log batch detail")
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts := *pagelog.DefaultOptions
	opts.ReadOnly = readOnly
	opts.TakeUnstableCheckpointOnShutdown = takeUnstableCheckpointOnShutdown

	db, err := pagelog.Open(dbPath, 0600, &opts)
	if err != nil {
		return err
	}
	defer db.Close()

	rec := db.Recovery(nil)
	switch {
	case standalone:
		return rec.RecoverStandalone()
	case recoverToTS != 0:
		return rec.RecoverUpTo(pagelog.Timestamp(recoverToTS))
	default:
		return rec.RecoverFromLog(nil)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
