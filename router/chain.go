// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"strings"
)

// Step is one source in a fallback chain: a name and an attempt. A chain
// is just an ordered slice of steps, so the fallback order of every
// strategy is visible data rather than nested error handling.
type Step struct {
	Source string
	Run    func(ctx context.Context) (*CachedResponse, error)
}

// Attempt records why one step did not produce a response.
type Attempt struct {
	Source string
	Err    error
}

// ChainError reports that every step of a chain failed.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Source, a.Err))
	}
	return "all fallbacks failed: " + strings.Join(parts, "; ")
}

// RunChain executes steps in order and returns the first response along
// with the name of the step that produced it. A step returning an error
// is recorded and the chain moves on; if no step succeeds the collected
// attempts come back as a ChainError.
func RunChain(ctx context.Context, steps []Step) (*CachedResponse, string, error) {
	var attempts []Attempt
	for _, step := range steps {
		resp, err := step.Run(ctx)
		if err != nil {
			attempts = append(attempts, Attempt{Source: step.Source, Err: err})
			continue
		}
		if resp != nil {
			return resp, step.Source, nil
		}
		attempts = append(attempts, Attempt{Source: step.Source, Err: fmt.Errorf("no response")})
	}
	return nil, "", &ChainError{Attempts: attempts}
}
