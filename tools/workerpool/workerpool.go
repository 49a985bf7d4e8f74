/* workerpool contains code to run error handling goroutines concurrently, and to shard batch jobs across supervised workers.
 *
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
	"fmt"
	"strings"
	"sync"
)

// MultiErr contains multiple errors.
type MultiErr []error

// Error returns a string representation of the multi error.
func (m MultiErr) Error() string {
	parts := make([]string, len(m))
	for idx, err := range m {
		parts[idx] = err.Error()
	}
	return fmt.Sprintf("%v errors: [%v]", len(m), strings.Join(parts, "; "))
}

// Unwrap returns the contained errors, for errors.Is and errors.As.
func (m MultiErr) Unwrap() []error {
	return []error(m)
}

// WorkerPool runs a limited number of error handling goroutines concurrently.
type WorkerPool struct {
	queue  chan func() error
	errors chan error
}

// Go will run the function. Panics in the function are returned as errors from Wait.
func (w *WorkerPool) Go(f func() error) {
	w.queue <- f
}

// Wait stops accepting jobs, waits for all submitted jobs to finish and returns their errors.
func (w *WorkerPool) Wait() error {
	close(w.queue)
	me := MultiErr{}
	for err := range w.errors {
		if err != nil {
			me = append(me, err)
		}
	}
	if len(me) == 0 {
		return nil
	}
	return me
}

func runGuarded(job func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job()
}

// New returns a new worker pool. A concurrency of 0 or less means no limit.
func New(concurrency int) *WorkerPool {
	w := &WorkerPool{
		queue:  make(chan func() error),
		errors: make(chan error),
	}

	go func() {
		wg := &sync.WaitGroup{}
		var tickets chan struct{}
		if concurrency > 0 {
			tickets = make(chan struct{}, concurrency)
		}
		for job := range w.queue {
			if tickets != nil {
				tickets <- struct{}{}
			}
			wg.Add(1)
			go func(job func() error) {
				defer wg.Done()
				err := runGuarded(job)
				if tickets != nil {
					<-tickets
				}
				w.errors <- err
			}(job)
		}
		wg.Wait()
		close(w.errors)
	}()
	return w
}
