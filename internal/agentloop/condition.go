// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agentloop

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/workbench/internal/store"
)

// conditionEvaluator compiles automation conditions and caches the compiled
// programs. Conditions see the finished run and the loop's counters and must
// evaluate to a boolean.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Compile checks a condition without running it. Loop creation uses this so
// a broken condition is rejected up front instead of silently stopping the
// chain later.
func (e *conditionEvaluator) Compile(condition string) error {
	if condition == "" {
		return nil
	}
	_, err := e.program(condition)
	return err
}

// Evaluate runs the condition against env. An empty condition is true.
func (e *conditionEvaluator) Evaluate(condition string, env map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	program, err := e.program(condition)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition: %w", err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out)
	}
	return result, nil
}

func (e *conditionEvaluator) program(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(condition,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compiling condition: %w", err)
	}

	e.mu.Lock()
	e.cache[condition] = program
	e.mu.Unlock()
	return program, nil
}

// conditionEnv exposes the finished run and the loop's counters to the
// automation condition.
func conditionEnv(loop *store.AgentLoop, run *store.Run) map[string]any {
	return map[string]any{
		"run": map[string]any{
			"status":           string(run.Status),
			"run_number":       run.RunNumber,
			"commit_sha":       run.CommitSHA,
			"commit_message":   run.CommitMessage,
			"summary":          run.Summary,
			"duration_seconds": run.DurationSeconds,
		},
		"loop": map[string]any{
			"total_runs":      loop.TotalRuns,
			"successful_runs": loop.SuccessfulRuns,
			"failed_runs":     loop.FailedRuns,
			"max_runs":        loop.MaxRuns,
		},
	}
}
