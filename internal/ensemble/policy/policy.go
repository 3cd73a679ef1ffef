// Package policy implements the minimum-realizations check applied after each batch.
package policy

import "github.com/animus-labs/esmda-go/internal/domain"

// Check returns an *domain.InsufficientRealizationsError when a batch cannot
// continue to the update step. minRealizations == 0 means unset, in which case
// every realization active in the batch must succeed.
func Check(successCount, minRealizations, activeCount int) error {
	if successCount <= 0 {
		return &domain.InsufficientRealizationsError{Successful: 0, Required: Required(minRealizations, activeCount)}
	}
	required := Required(minRealizations, activeCount)
	if successCount < required {
		return &domain.InsufficientRealizationsError{Successful: successCount, Required: required}
	}
	return nil
}

// Required resolves the effective threshold.
func Required(minRealizations, activeCount int) int {
	if minRealizations > 0 {
		return minRealizations
	}
	return activeCount
}
