// Copyright 2024 The vfsd Authors.
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

package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// AsyncLogger decouples log writers from the (possibly slow, rotating) file
// write path. Write copies the given bytes and hands them to a single
// background goroutine; callers never block on disk I/O. If the buffer
// channel is full the message is dropped and a warning is emitted to
// stderr rather than blocking the caller or the mutex-holding code path
// that produced the log line.
type AsyncLogger struct {
	target io.WriteCloser
	queue  chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewAsyncLogger starts the background writer goroutine immediately.
// bufferSize is the number of pending messages the queue channel holds
// before new writes are dropped.
func NewAsyncLogger(target io.WriteCloser, bufferSize int) *AsyncLogger {
	a := &AsyncLogger{
		target: target,
		queue:  make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer a.wg.Done()
	for {
		select {
		case msg, ok := <-a.queue:
			if !ok {
				return
			}
			a.target.Write(msg)
		case <-a.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case msg := <-a.queue:
					a.target.Write(msg)
				default:
					return
				}
			}
		}
	}
}

// Write implements io.Writer. p is copied before being queued since the
// caller may reuse its backing array.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case a.queue <- msg:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close stops accepting new writes, flushes the queue, and closes the
// underlying target.
func (a *AsyncLogger) Close() error {
	var err error
	a.closed.Do(func() {
		close(a.done)
		a.wg.Wait()
		err = a.target.Close()
	})
	return err
}
