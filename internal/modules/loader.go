package modules

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

// Loader runs modprobe for the modules a Policy requires. Probing
// kernel modules is inherently racy right after boot (udev and other
// subsystems may be mid-initialization), so each load is retried with
// backoff around exec.Command/CombinedOutput.
type Loader struct {
	// Modprobe overrides the external command invoked for each module,
	// for tests. Defaults to "modprobe".
	Modprobe string
	// MaxElapsed bounds the total retry time per module.
	MaxElapsed time.Duration
}

// NewLoader returns a Loader with production defaults.
func NewLoader() *Loader {
	return &Loader{Modprobe: "modprobe", MaxElapsed: 10 * time.Second}
}

// LoadAll loads every module in order, stopping at the first required
// module that fails to load after retries. An optional module's
// failure is logged and skipped rather than aborting the run.
// Already-loaded modules make modprobe a no-op, so this is safe to
// call on every convergence run.
func (l *Loader) LoadAll(ctx context.Context, mods []ModuleSpec) error {
	for _, m := range mods {
		if err := l.loadOne(ctx, m.Name); err != nil {
			if m.Optional {
				log.Warn().Str("module", m.Name).Err(err).Msg("optional kernel module failed to load, skipping")
				continue
			}
			return &scsterr.PreconditionError{Msg: "failed to load kernel module " + m.Name, Err: err}
		}
	}
	return nil
}

func (l *Loader) loadOne(ctx context.Context, name string) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(l.maxElapsed())), ctx)

	attempt := 0
	op := func() error {
		attempt++
		cmd := exec.CommandContext(ctx, l.modprobe(), name)
		out, err := cmd.CombinedOutput()
		if err != nil {
			log.Warn().Str("module", name).Int("attempt", attempt).
				Str("output", strings.TrimSpace(string(out))).Err(err).Msg("modprobe failed, retrying")
			return err
		}
		return nil
	}

	return backoff.Retry(op, bo)
}

func (l *Loader) modprobe() string {
	if l.Modprobe != "" {
		return l.Modprobe
	}
	return "modprobe"
}

func (l *Loader) maxElapsed() time.Duration {
	if l.MaxElapsed > 0 {
		return l.MaxElapsed
	}
	return 10 * time.Second
}
