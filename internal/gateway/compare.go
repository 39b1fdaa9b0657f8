package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"modelgate/internal/models"
)

// Compare issues the base request against every target concurrently and
// collects one independent outcome per target. base carries the shared
// messages and options; each target overrides provider and model. The
// result list always has the same length and order as targets; a failure in
// one target never cancels or affects another.
func (g *Gateway) Compare(ctx context.Context, userID string, base models.ChatRequest, targets []models.CompareTarget) ([]models.CompareResult, error) {
	if len(targets) == 0 {
		return nil, errors.New("compare requires at least one target")
	}
	if len(targets) > g.maxTargets {
		return nil, fmt.Errorf("compare supports at most %d targets, got %d", g.maxTargets, len(targets))
	}

	results := make([]models.CompareResult, len(targets))
	var wg sync.WaitGroup

	for i, target := range targets {
		wg.Add(1)
		go func(i int, target models.CompareTarget) {
			defer wg.Done()

			req := base
			req.Provider = target.Provider
			req.Model = target.Model

			result := models.CompareResult{Provider: target.Provider, Model: target.Model}
			resp, err := g.Dispatch(ctx, userID, req)
			if err != nil {
				result.Err = err.Error()
			} else {
				result.Response = resp
			}
			results[i] = result
		}(i, target)
	}

	wg.Wait()
	return results, nil
}
