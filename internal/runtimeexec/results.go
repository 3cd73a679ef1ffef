package runtimeexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/esmda-go/internal/domain"
	"github.com/animus-labs/esmda-go/internal/ensemble/queue"
)

// EnvResultFile names the file a local forward model may write its
// realization data to, as {"parameters":[...],"results":[...]}.
const EnvResultFile = "ESMDA_RESULT_FILE"

// RealizationSink stores the data a forward model reports for its realization.
type RealizationSink interface {
	SaveRealization(ctx context.Context, snapshot domain.Snapshot, data domain.RealizationData) error
}

type resultDocument struct {
	Parameters []float64 `json:"parameters"`
	Results    []float64 `json:"results"`
}

// readResult decodes a result file. A missing file reports ok=false.
func readResult(path string) (resultDocument, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return resultDocument{}, false, nil
	}
	if err != nil {
		return resultDocument{}, false, fmt.Errorf("read result file: %w", err)
	}
	var doc resultDocument
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return resultDocument{}, false, fmt.Errorf("decode result file %s: %w", filepath.Base(path), err)
	}
	return doc, true, nil
}

// storeResult saves the result file of job into its snapshot, if one was written.
func storeResult(ctx context.Context, sink RealizationSink, job queue.Job, path string) error {
	doc, ok, err := readResult(path)
	if err != nil || !ok {
		return err
	}
	data := domain.RealizationData{Realization: job.Realization, Parameters: doc.Parameters, Results: doc.Results}
	if err := sink.SaveRealization(ctx, job.Snapshot, data); err != nil {
		return fmt.Errorf("save realization %d in %s: %w", job.Realization, job.Snapshot.Name, err)
	}
	return nil
}

// saveRealization is the save_realization builtin: it stores the result file
// named by its single argument. $ESMDA_* job variables in the path are expanded.
func saveRealization(sink RealizationSink) InternalFunc {
	return func(ctx context.Context, job queue.Job) error {
		if err := wantArgs(job, 1); err != nil {
			return err
		}
		vars := make(map[string]string)
		for _, kv := range jobEnv(job) {
			key, value, _ := strings.Cut(kv, "=")
			vars[key] = value
		}
		path := os.Expand(job.Args[0], func(key string) string { return vars[key] })
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("save_realization: %w", err)
		}
		return storeResult(ctx, sink, job, path)
	}
}
