package queue

import (
	"fmt"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/platform/env"
)

// OptionsFromEnv reads ESMDA_QUEUE_* settings. Logger is left unset.
func OptionsFromEnv() (Options, error) {
	poll, err := env.Duration("ESMDA_QUEUE_POLL_INTERVAL", DefaultPollInterval)
	if err != nil {
		return Options{}, err
	}
	maxSubmit, err := env.Int("ESMDA_QUEUE_MAX_SUBMIT", 1)
	if err != nil {
		return Options{}, err
	}
	maxDuration, err := env.Duration("ESMDA_QUEUE_MAX_JOB_DURATION", 0)
	if err != nil {
		return Options{}, err
	}
	nonBlocking, err := env.Bool("ESMDA_QUEUE_NON_BLOCKING", false)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		PollInterval:   poll,
		MaxSubmit:      maxSubmit,
		MaxJobDuration: maxDuration,
		NonBlocking:    nonBlocking,
	}
	return opts, opts.Validate()
}

func (o Options) Validate() error {
	if o.PollInterval < 0 {
		return fmt.Errorf("%w: queue poll interval must be >= 0", domain.ErrConfiguration)
	}
	if o.MaxSubmit < 0 {
		return fmt.Errorf("%w: queue max submit must be >= 0", domain.ErrConfiguration)
	}
	if o.MaxJobDuration < 0 {
		return fmt.Errorf("%w: queue max job duration must be >= 0", domain.ErrConfiguration)
	}
	return nil
}
