/*
 * Copyright 2020 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 *     Unless required by applicable law or agreed to in writing, software
 *     distributed under the License is distributed on an "AS IS" BASIS,
 *     WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *     See the License for the specific language governing permissions and
 *     limitations under the License.
 */
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cheggaaa/pb"
	"github.com/sirupsen/logrus"
)

// FatalError terminates the worker that returned it. The supervisor of the
// worker's shard restarts a fresh worker at the failed item.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", f.Err)
}

func (f *FatalError) Unwrap() error {
	return f.Err
}

// Fatal wraps err in a FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal returns whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Shard partitions items round robin into n shards: item i goes to shard i mod n.
func Shard[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	shards := make([][]T, n)
	for idx, item := range items {
		shards[idx%n] = append(shards[idx%n], item)
	}
	return shards
}

// Report summarizes a run of an Executor.
type Report struct {
	mutex sync.Mutex
	// Processed is the number of items the function returned no error for.
	Processed int
	// Skipped are the items that returned a non fatal error, mapped to the error.
	Skipped map[string]error
	// Lost are the items that never completed because they kept killing their worker, or the run was cancelled.
	Lost []string
	// Restarts is the number of times a dead worker was replaced.
	Restarts int
}

func (r *Report) processed() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Processed++
}

func (r *Report) skip(item string, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Skipped == nil {
		r.Skipped = map[string]error{}
	}
	r.Skipped[item] = err
}

func (r *Report) lose(items ...string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Lost = append(r.Lost, items...)
	sort.Strings(r.Lost)
}

func (r *Report) restart() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Restarts++
}

// Executor shards a list of items across workers, each with its own private
// state created by Setup, and waits for all of them to finish.
//
// Items must be processed idempotently and independently of order, since a
// restarted worker redoes the item its predecessor died on.
type Executor[S any] struct {
	// Name identifies the executor in logs and errors.
	Name string
	// Workers is the number of concurrent workers. It is used as given, even when
	// far above the number of CPUs: I/O bound stages profit from the oversubscription,
	// at the price of memory for Workers copies of the worker state.
	Workers int
	// Retries is the number of times a dead worker is replaced before the item
	// it died on is given up on.
	Retries int
	// Setup creates the private state of a worker. Nil means the zero value of S.
	// States implementing io.Closer are closed when the worker terminates.
	Setup func(worker int) (S, error)
	// Progress, if not nil, is incremented once per finished item.
	Progress *pb.ProgressBar
	// Log receives skip and restart messages. Nil means the standard logrus logger.
	Log logrus.FieldLogger
}

func (e *Executor[S]) log() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

// Run processes all items with fn, and returns when every worker has terminated.
// The returned error contains the reasons for the lost items, if any.
func (e *Executor[S]) Run(ctx context.Context, items []string, fn func(ctx context.Context, state S, item string) error) (*Report, error) {
	report := &Report{}
	shards := Shard(items, e.Workers)
	pool := New(0)
	for workerIdx, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		pool.Go(func() error {
			return e.supervise(ctx, workerIdx, shard, fn, report)
		})
	}
	if err := pool.Wait(); err != nil {
		return report, fmt.Errorf("%v: %w", e.Name, err)
	}
	return report, nil
}

func (e *Executor[S]) supervise(ctx context.Context, workerIdx int, shard []string, fn func(context.Context, S, string) error, report *Report) error {
	log := e.log().WithFields(logrus.Fields{"stage": e.Name, "worker": workerIdx})
	errs := MultiErr{}
	failures := 0
	for pos := 0; pos < len(shard); {
		done, setupFailed, err := e.work(ctx, workerIdx, shard[pos:], fn, report, log)
		if done > 0 {
			failures = 0
		}
		pos += done
		if err == nil {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			report.lose(shard[pos:]...)
			errs = append(errs, fmt.Errorf("worker %v cancelled with %v items left: %w", workerIdx, len(shard)-pos, ctxErr))
			break
		}
		failures++
		if failures <= e.Retries {
			log.WithError(err).WithField("file", shard[pos]).Errorf("worker died, restarting (attempt %v of %v)", failures, e.Retries)
			report.restart()
			continue
		}
		if setupFailed {
			report.lose(shard[pos:]...)
			errs = append(errs, fmt.Errorf("worker %v setup failed %v times, %v items lost: %w", workerIdx, failures, len(shard)-pos, err))
			break
		}
		log.WithError(err).WithField("file", shard[pos]).Errorf("giving up on file after %v attempts", failures)
		report.lose(shard[pos])
		errs = append(errs, fmt.Errorf("worker %v gave up on %q: %w", workerIdx, shard[pos], err))
		pos++
		failures = 0
		if pos < len(shard) {
			report.restart()
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// work runs one worker over items until it finishes or dies, and returns the number of items it finished.
func (e *Executor[S]) work(ctx context.Context, workerIdx int, items []string, fn func(context.Context, S, string) error, report *Report, log logrus.FieldLogger) (done int, setupFailed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fatal(fmt.Errorf("panic: %v", r))
		}
	}()
	var state S
	if e.Setup != nil {
		if state, err = e.Setup(workerIdx); err != nil {
			return 0, true, err
		}
	}
	if closer, ok := any(state).(io.Closer); ok {
		defer closer.Close()
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return done, false, err
		}
		if err := fn(ctx, state, item); err != nil {
			if IsFatal(err) {
				return done, false, err
			}
			log.WithError(err).WithField("file", item).Warn("skipping file")
			report.skip(item, err)
		} else {
			report.processed()
		}
		done++
		if e.Progress != nil {
			e.Progress.Increment()
		}
	}
	return done, false, nil
}
