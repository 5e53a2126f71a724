// Package logging provides the LSNP peer's ambient logging sink
// (spec.md §4.12): a channel-backed, non-blocking writer gated by a
// Verbose flag. Grounded on munonun-Web4's debuglog idiom (channel
// queue drained by one goroutine, dropped on saturation rather than
// blocking a network path), but instantiated per peer instead of kept
// as a package-level singleton, per spec.md §9's design note against
// global loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const queueSize = 2048

// Sink is an injectable logger: Infof always writes, Debugf only writes
// when verbose logging is enabled.
type Sink struct {
	out     io.Writer
	verbose atomic.Bool

	once sync.Once
	ch   chan string
	wg   sync.WaitGroup
}

// New returns a Sink writing to out (os.Stderr if nil), gated by
// verbose for Debugf calls.
func New(out io.Writer, verbose bool) *Sink {
	if out == nil {
		out = os.Stderr
	}
	s := &Sink{out: out}
	s.verbose.Store(verbose)
	return s
}

// SetVerbose toggles the Debugf gate at runtime (the control surface's
// `POST /verbose` route, spec.md §4.13).
func (s *Sink) SetVerbose(enabled bool) {
	s.verbose.Store(enabled)
}

func (s *Sink) start() {
	s.once.Do(func() {
		s.ch = make(chan string, queueSize)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for msg := range s.ch {
				_, _ = io.WriteString(s.out, msg)
			}
		}()
	})
}

// Close drains the queue and stops the writer goroutine. Safe to call
// on a Sink that was never written to.
func (s *Sink) Close() {
	s.start()
	close(s.ch)
	s.wg.Wait()
}

func (s *Sink) enqueue(format string, args ...any) {
	s.start()
	msg := fmt.Sprintf("%s "+format+"\n", append([]any{time.Now().Format(time.RFC3339)}, args...)...)
	select {
	case s.ch <- msg:
	default:
		// saturated: drop rather than block a network goroutine
	}
}

// Infof logs unconditionally.
func (s *Sink) Infof(format string, args ...any) {
	s.enqueue(format, args...)
}

// Debugf logs only when verbose mode is enabled.
func (s *Sink) Debugf(format string, args ...any) {
	if !s.verbose.Load() {
		return
	}
	s.enqueue(format, args...)
}

// Errorf logs unconditionally, prefixed for grep-ability.
func (s *Sink) Errorf(format string, args ...any) {
	s.enqueue("ERROR "+format, args...)
}
