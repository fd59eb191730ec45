package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/truenas/truenas-pyscstadmin/internal/config"
	"github.com/truenas/truenas-pyscstadmin/internal/engine"
	"github.com/truenas/truenas-pyscstadmin/internal/history"
	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

var applySuspend bool

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Converge the control filesystem to match the configuration file",
	Run:   runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applySuspend, "suspend", false, "suspend new SCSI commands while converging")
}

func runApply(cmd *cobra.Command, args []string) {
	desired, err := config.ParseFile(cfgFile)
	if err != nil {
		fail("parse %s: %v", cfgFile, err)
	}
	if err := config.Validate(desired); err != nil {
		fail("invalid configuration: %v", err)
	}

	policy, err := loadPolicy()
	if err != nil {
		fail("load module policy: %v", err)
	}

	eng := engine.New(buildAdapter(), policy)
	eng.Suspend = applySuspend

	run := newRun(applySuspend)
	convergeErr := eng.Converge(context.Background(), desired)
	finishRun(run, convergeErr)

	if convergeErr != nil {
		if _, ok := asPartial(convergeErr); ok {
			fmt.Printf("convergence completed with errors: %v\n", convergeErr)
			os.Exit(1)
		}
		fail("convergence failed: %v", convergeErr)
	}
	fmt.Println("convergence complete")
}

// newRun starts a history.Run record, used by apply and clear.
func newRun(suspend bool) *history.Run {
	return &history.Run{
		ID:          history.NewRunID(),
		ConfigPath:  cfgFile,
		ControlRoot: controlRoot,
		Suspended:   suspend,
		StartedAt:   time.Now(),
	}
}

// finishRun fills in the outcome of a run and records it, logging (not
// failing the command) if the history database can't be reached.
func finishRun(run *history.Run, convergeErr error) {
	run.FinishedAt = time.Now()
	switch {
	case convergeErr == nil:
		run.Outcome = history.OutcomeSuccess
	default:
		if partial, ok := asPartial(convergeErr); ok {
			run.Outcome = history.OutcomePartial
			run.Errors = history.RunErrorsFrom(partial)
		} else {
			run.Outcome = history.OutcomeFatal
			run.FatalError = convergeErr.Error()
		}
	}

	db, err := history.Open(historyDB)
	if err != nil {
		log.Warn().Err(err).Msg("could not open history database, run not recorded")
		return
	}
	defer db.Close()
	if err := db.RecordRun(run); err != nil {
		log.Warn().Err(err).Msg("could not record run history")
	}
}

func asPartial(err error) (*scsterr.PartialConvergenceError, bool) {
	var p *scsterr.PartialConvergenceError
	ok := errors.As(err, &p)
	return p, ok
}
