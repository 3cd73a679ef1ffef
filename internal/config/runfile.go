// Package config loads run definition files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
	"github.com/animus-labs/esmda-go/internal/ensemble/run"
)

const RunSchemaV1 = "esmda.run.v1"

const (
	BackendLocal      = "local"
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

type RunFile struct {
	Schema           string `yaml:"schema"`
	EnsembleSize     int    `yaml:"ensemble_size"`
	MinRealizations  int    `yaml:"min_realizations,omitempty"`
	Active           string `yaml:"active_realizations,omitempty"`
	Weights          string `yaml:"weights"`
	TargetCaseFormat string `yaml:"target_case_format"`
	SourceCase       string `yaml:"source_case,omitempty"`
	AnalysisModule   string `yaml:"analysis_module"`
	RetryFailed      bool   `yaml:"retry_failed,omitempty"`

	Queue    QueueSection    `yaml:"queue"`
	Job      JobSection      `yaml:"job"`
	Analysis AnalysisSection `yaml:"analysis,omitempty"`
	Hooks    HookSection     `yaml:"hooks,omitempty"`
}

type QueueSection struct {
	Backend        string            `yaml:"backend,omitempty"`
	Capacity       int               `yaml:"capacity,omitempty"`
	MaxSubmit      int               `yaml:"max_submit,omitempty"`
	MaxJobDuration Duration          `yaml:"max_job_duration,omitempty"`
	PollInterval   Duration          `yaml:"poll_interval,omitempty"`
	Docker         DockerSection     `yaml:"docker,omitempty"`
	Kubernetes     KubernetesSection `yaml:"kubernetes,omitempty"`
}

type DockerSection struct {
	Bin     string  `yaml:"bin,omitempty"`
	Image   string  `yaml:"image,omitempty"`
	Network string  `yaml:"network,omitempty"`
	CPUs    float64 `yaml:"cpus,omitempty"`
	Memory  string  `yaml:"memory,omitempty"`
}

// KubernetesSection configures batch/v1 Jobs. An empty namespace falls back
// to the service account namespace.
type KubernetesSection struct {
	Namespace       string `yaml:"namespace,omitempty"`
	Image           string `yaml:"image,omitempty"`
	ServiceAccount  string `yaml:"service_account,omitempty"`
	CPU             string `yaml:"cpu,omitempty"`
	Memory          string `yaml:"memory,omitempty"`
	TTLSeconds      int32  `yaml:"ttl_seconds,omitempty"`
	DeadlineSeconds int64  `yaml:"deadline_seconds,omitempty"`
}

type JobSection struct {
	Kind    string            `yaml:"kind,omitempty"`
	Name    string            `yaml:"name,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// AnalysisSection configures the EXTERNAL analysis module.
type AnalysisSection struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// HookSection holds shell commands run around each simulation batch.
type HookSection struct {
	PreSimulation  string `yaml:"pre_simulation,omitempty"`
	PostSimulation string `yaml:"post_simulation,omitempty"`
}

// Duration accepts Go duration strings such as "90s" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func LoadRunFile(path string) (RunFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RunFile{}, fmt.Errorf("read run file: %w", err)
	}
	return ParseRunFile(raw)
}

func ParseRunFile(input []byte) (RunFile, error) {
	var rf RunFile
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return RunFile{}, fmt.Errorf("%w: decode run file: %v", domain.ErrConfiguration, err)
	}
	if err := rf.Validate(); err != nil {
		return RunFile{}, err
	}
	return rf, nil
}

// Validate checks the file-level fields. Run semantics are validated again by
// the run controller on Start.
func (rf RunFile) Validate() error {
	issues := &domain.ConfigError{}
	if schema := strings.TrimSpace(rf.Schema); schema != "" && schema != RunSchemaV1 {
		issues.Addf("schema must be %q", RunSchemaV1)
	}
	if rf.EnsembleSize < 1 {
		issues.Add("ensemble_size must be >= 1")
	}
	if _, err := ParseActiveRange(rf.Active, rf.EnsembleSize); err != nil && rf.EnsembleSize > 0 {
		issues.Add(err.Error())
	}
	if _, err := domain.ParseJobKind(rf.Job.Kind); err != nil {
		issues.Addf("job.kind unsupported: %q", rf.Job.Kind)
	}
	switch backend := strings.ToLower(strings.TrimSpace(rf.Queue.Backend)); backend {
	case "", BackendLocal:
	case BackendDocker:
		if strings.TrimSpace(rf.Queue.Docker.Image) == "" {
			issues.Add("queue.docker.image is required for the docker backend")
		}
	case BackendKubernetes:
		if strings.TrimSpace(rf.Queue.Kubernetes.Image) == "" {
			issues.Add("queue.kubernetes.image is required for the kubernetes backend")
		}
		if rf.Queue.Kubernetes.TTLSeconds < 0 || rf.Queue.Kubernetes.DeadlineSeconds < 0 {
			issues.Add("queue.kubernetes ttl and deadline must be >= 0")
		}
	default:
		issues.Addf("queue.backend unsupported: %q", rf.Queue.Backend)
	}
	if rf.Queue.MaxSubmit < 0 {
		issues.Add("queue.max_submit must be >= 0")
	}
	if rf.Queue.MaxJobDuration < 0 || rf.Queue.PollInterval < 0 {
		issues.Add("queue durations must be >= 0")
	}
	return issues.OrNil()
}

func (rf RunFile) BackendName() string {
	if backend := strings.ToLower(strings.TrimSpace(rf.Queue.Backend)); backend != "" {
		return backend
	}
	return BackendLocal
}

// Arguments converts the file into run arguments.
func (rf RunFile) Arguments() (run.Arguments, error) {
	mask, err := ParseActiveRange(rf.Active, rf.EnsembleSize)
	if err != nil {
		return run.Arguments{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	kind, err := domain.ParseJobKind(rf.Job.Kind)
	if err != nil {
		return run.Arguments{}, err
	}
	return run.Arguments{
		EnsembleSize:                rf.EnsembleSize,
		MinRealizations:             rf.MinRealizations,
		ActiveMask:                  mask,
		WeightsSpec:                 rf.Weights,
		TargetCaseFormat:            rf.TargetCaseFormat,
		SourceCase:                  rf.SourceCase,
		AnalysisModule:              rf.AnalysisModule,
		RetryFailedAcrossIterations: rf.RetryFailed,
		QueueCapacity:               rf.Queue.Capacity,
		Job: queue.Job{
			Kind:    kind,
			Name:    strings.TrimSpace(rf.Job.Name),
			Command: strings.TrimSpace(rf.Job.Command),
			Args:    rf.Job.Args,
			Env:     rf.Job.Env,
		},
	}, nil
}

func (rf RunFile) QueueOptions() queue.Options {
	return queue.Options{
		PollInterval:   rf.Queue.PollInterval.Std(),
		MaxSubmit:      rf.Queue.MaxSubmit,
		MaxJobDuration: rf.Queue.MaxJobDuration.Std(),
	}
}

// ParseActiveRange turns a range list such as "0-4,7,9-10" into a mask of
// length size. An empty value returns nil, meaning all realizations.
func ParseActiveRange(value string, size int) ([]bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if size < 1 {
		return nil, errors.New("active_realizations requires ensemble_size >= 1")
	}
	mask := make([]bool, size)
	for _, token := range strings.Split(value, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		lo, hi, err := parseRange(token)
		if err != nil {
			return nil, err
		}
		if hi >= size {
			return nil, fmt.Errorf("active_realizations %q exceeds ensemble size %d", token, size)
		}
		for i := lo; i <= hi; i++ {
			mask[i] = true
		}
	}
	return mask, nil
}

func parseRange(token string) (int, int, error) {
	loText, hiText, isRange := strings.Cut(token, "-")
	lo, err := strconv.Atoi(strings.TrimSpace(loText))
	if err != nil || lo < 0 {
		return 0, 0, fmt.Errorf("invalid realization range %q", token)
	}
	if !isRange {
		return lo, lo, nil
	}
	hi, err := strconv.Atoi(strings.TrimSpace(hiText))
	if err != nil || hi < lo {
		return 0, 0, fmt.Errorf("invalid realization range %q", token)
	}
	return lo, hi, nil
}
