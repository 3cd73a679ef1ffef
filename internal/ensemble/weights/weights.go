// Package weights parses and normalizes ES-MDA iteration weights.
package weights

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/animus-labs/esmda-go/internal/domain"
)

// ErrInvalidWeight is wrapped by ParseError for negative or non-finite weights.
var ErrInvalidWeight = errors.New("weight must be a positive finite number")

// ParseError reports a weight token that is not a usable number.
type ParseError struct {
	Token string
	Err   error
}

func (e *ParseError) Error() string {
	if errors.Is(e.Err, ErrInvalidWeight) {
		return fmt.Sprintf("invalid weight %q: %v", e.Token, e.Err)
	}
	return fmt.Sprintf("cannot parse weight %q", e.Token)
}

func (e *ParseError) Unwrap() []error {
	return []error{domain.ErrConfiguration, e.Err}
}

// Parse reads a weight spec with a discarding logger.
func Parse(spec string) ([]float64, error) {
	return ParseWithLogger(nil, spec)
}

// ParseWithLogger reads a weight spec. spec is either the path of a file holding
// one float per line or a comma separated list. Zero weights are dropped with a
// warning; negative, NaN and infinite weights are rejected.
func ParseWithLogger(logger *slog.Logger, spec string) ([]float64, error) {
	tokens, err := tokenize(spec)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(tokens))
	for _, token := range tokens {
		value, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return nil, &ParseError{Token: token, Err: err}
		}
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, &ParseError{Token: token, Err: ErrInvalidWeight}
		}
		if value == 0 {
			if logger != nil {
				logger.Warn("ignoring zero weight", "component", "weights", "spec", spec)
			}
			continue
		}
		out = append(out, value)
	}
	return out, nil
}

func tokenize(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	if info, err := os.Stat(spec); err == nil && !info.IsDir() {
		raw, err := os.ReadFile(spec)
		if err != nil {
			return nil, fmt.Errorf("read weights file: %w", err)
		}
		var tokens []string
		scanner := bufio.NewScanner(bytes.NewReader(raw))
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				tokens = append(tokens, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan weights file: %w", err)
		}
		return tokens, nil
	}
	var tokens []string
	for _, part := range strings.Split(spec, ",") {
		if token := strings.TrimSpace(part); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// Normalize rescales weights by sqrt(Σ(1/w)²) so the inflation factors of all
// iterations combine consistently. Empty input yields empty output.
func Normalize(weights []float64) []float64 {
	if len(weights) == 0 {
		return []float64{}
	}
	var sum float64
	for _, w := range weights {
		inv := 1.0 / w
		sum += inv * inv
	}
	length := math.Sqrt(sum)
	out := make([]float64, len(weights))
	for i, w := range weights {
		out[i] = w * length
	}
	return out
}

// IterationCount is the number of update steps; a run simulates IterationCount+1 times.
func IterationCount(weights []float64) int {
	return len(weights)
}

// Format renders weights rounded to three decimals for phase names and logs.
func Format(weights []float64) string {
	parts := make([]string, 0, len(weights))
	for _, w := range weights {
		parts = append(parts, strconv.FormatFloat(math.Round(w*1000)/1000, 'f', -1, 64))
	}
	return strings.Join(parts, ", ")
}
