package run

import (
	"log/slog"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/iteration"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/ensemble/weights"
)

// Arguments configure one run.
type Arguments struct {
	EnsembleSize    int
	MinRealizations int
	// ActiveMask selects realizations; nil activates the whole ensemble.
	ActiveMask       []bool
	WeightsSpec      string
	TargetCaseFormat string
	SourceCase       string
	AnalysisModule   string

	RetryFailedAcrossIterations bool
	// QueueCapacity bounds concurrent jobs; zero means EnsembleSize.
	QueueCapacity int
	Job           queue.Job
}

// plan is the validated form of Arguments.
type plan struct {
	args     Arguments
	raw      []float64
	weights  []float64
	active   []bool
	capacity int
	analysis iteration.AnalysisEngine
}

func (c *Controller) validate(args Arguments) (plan, error) {
	issues := &domain.ConfigError{}
	p := plan{args: args}

	if args.EnsembleSize < 1 {
		issues.Addf("ensemble size must be >= 1 (got %d)", args.EnsembleSize)
	}
	if args.MinRealizations < 0 {
		issues.Addf("min realizations must be >= 0 (got %d)", args.MinRealizations)
	} else if args.EnsembleSize > 0 && args.MinRealizations > args.EnsembleSize {
		issues.Addf("min realizations (%d) exceeds ensemble size (%d)", args.MinRealizations, args.EnsembleSize)
	}
	if err := iteration.ValidateTargetFormat(args.TargetCaseFormat); err != nil {
		issues.Addf("target case format %q must contain one %%d placeholder", args.TargetCaseFormat)
	}

	raw, err := weights.ParseWithLogger(c.logger, args.WeightsSpec)
	if err != nil {
		issues.Add(err.Error())
	}
	p.raw = raw
	p.weights = weights.Normalize(raw)

	switch {
	case args.ActiveMask == nil && args.EnsembleSize > 0:
		p.active = make([]bool, args.EnsembleSize)
		for i := range p.active {
			p.active[i] = true
		}
	case len(args.ActiveMask) != args.EnsembleSize:
		issues.Addf("active mask has %d entries, ensemble size is %d", len(args.ActiveMask), args.EnsembleSize)
	default:
		p.active = append([]bool(nil), args.ActiveMask...)
	}
	if p.active != nil && activeCount(p.active) == 0 {
		issues.Add("no active realizations")
	}

	p.capacity = args.QueueCapacity
	if p.capacity == 0 {
		p.capacity = args.EnsembleSize
	}
	if p.capacity < 0 {
		issues.Addf("queue capacity must be >= 0 (got %d)", args.QueueCapacity)
	}

	if c.analyses != nil {
		engine, err := c.analyses.Resolve(args.AnalysisModule)
		if err != nil {
			issues.Add(err.Error())
		}
		p.analysis = engine
	} else {
		issues.Add("no analysis modules configured")
	}

	if err := issues.OrNil(); err != nil {
		return plan{}, err
	}
	if len(p.raw) > 0 {
		c.log(slog.LevelInfo, "weights normalized", "weights", weights.Format(p.weights))
	}
	return p, nil
}

func activeCount(mask []bool) int {
	n := 0
	for _, on := range mask {
		if on {
			n++
		}
	}
	return n
}
