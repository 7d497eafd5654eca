// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the bounded pool of worker goroutines used
// by constant folding to evaluate independent constant sub-graphs in
// parallel. Graph mutation never happens on pool workers.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs submitted tasks on at most maxParallelism goroutines.
type Pool struct {
	// maxParallelism is the limit of tasks running concurrently.
	// 0 disables parallelism (tasks run inline), < 0 is unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // signaled whenever numRunning decreases
	numRunning int
	wg         sync.WaitGroup
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism is the limit of concurrently running tasks.
// 0 means parallelism is disabled, -1 unlimited.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// SetMaxParallelism sets the limit of concurrently running tasks.
//
// Only change the parallelism before submitting any task: changing it while
// tasks run is undefined.
func (p *Pool) SetMaxParallelism(maxParallelism int) { p.maxParallelism = maxParallelism }

// Submit blocks until a worker slot is free, then runs task on its own
// goroutine. If parallelism is disabled the task runs inline.
func (p *Pool) Submit(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	if p.maxParallelism < 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			task()
		}()
		return
	}

	p.mu.Lock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.numRunning++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Signal()
			p.mu.Unlock()
			p.wg.Done()
		}()
		task()
	}()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() { p.wg.Wait() }
