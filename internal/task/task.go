// Copyright 2024 BranchOrigin Authors
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

// Package task provides the two execution contexts used by slow lookups:
// a pool for work that must run off the caller, and a completion context on
// which results are handed back.
//
// A Task names where it wants to run. Its Run function receives next, which
// schedules a follow-up task; a task that never calls next ends the chain.
package task

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Where selects the execution context of a task.
type Where int

const (
	// Completion is the owning context results are delivered on.
	Completion Where = iota
	// Pooled runs off the calling context.
	Pooled
)

func (w Where) String() string {
	switch w {
	case Completion:
		return "completion"
	case Pooled:
		return "pooled"
	default:
		return "unknown"
	}
}

// Task is a named unit of work.
type Task struct {
	Name  string
	Where Where
	Run   func(next func(Task))
}

// Executor runs functions on some execution context.
type Executor interface {
	Execute(fn func())
}

// Runner dispatches tasks to the executor matching their Where.
type Runner struct {
	pool       Executor
	completion Executor
}

// NewRunner creates a runner. Both executors are required.
func NewRunner(pool, completion Executor) *Runner {
	return &Runner{pool: pool, completion: completion}
}

// NewInlineRunner returns a runner that executes everything synchronously.
func NewInlineRunner() *Runner {
	return NewRunner(Inline{}, Inline{})
}

// Submit schedules t. Follow-up tasks passed to next are submitted the same way.
func (r *Runner) Submit(t Task) {
	id := uuid.NewString()
	exec := r.completion
	if t.Where == Pooled {
		exec = r.pool
	}
	log.Tracef("[Task] submit %s name=%q where=%s", id, t.Name, t.Where)
	exec.Execute(func() {
		log.Tracef("[Task] run %s name=%q", id, t.Name)
		t.Run(r.Submit)
	})
}
