// Package shutdown runs a Database's teardown (and anything else a host
// process registers, such as a metrics server) in priority order, on
// SIGINT/SIGTERM or an explicit call, bounded by a timeout.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Func is one registered teardown step.
type Func struct {
	Name     string
	Priority int // lower runs first
	Run      func(ctx context.Context) error
}

// Manager runs registered Funcs, in priority order, within timeout.
type Manager struct {
	mu      sync.Mutex
	funcs   []Func
	timeout time.Duration
	signals []os.Signal
	done    chan struct{}
	once    sync.Once
}

// NewManager returns a Manager bounded by timeout, listening for
// SIGINT/SIGTERM by default.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout: timeout,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		done:    make(chan struct{}),
	}
}

// Register adds a teardown step, inserted in priority order.
func (m *Manager) Register(name string, priority int, run func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := Func{Name: name, Priority: priority, Run: run}
	i := 0
	for ; i < len(m.funcs); i++ {
		if priority < m.funcs[i].Priority {
			break
		}
	}
	m.funcs = append(m.funcs, Func{})
	copy(m.funcs[i+1:], m.funcs[i:])
	m.funcs[i] = f
}

// Listen starts a goroutine that calls Shutdown on the first SIGINT/SIGTERM.
func (m *Manager) Listen() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, m.signals...)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		m.Shutdown()
	}()
}

// Shutdown runs every registered Func in priority order, one after another,
// bounded by the manager's timeout; steps not yet started when the timeout
// expires are skipped. Safe to call more than once; only the first call runs
// the teardown steps.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		defer close(m.done)
		m.run()
	})
}

// Wait blocks until Shutdown has completed.
func (m *Manager) Wait() {
	<-m.done
}

func (m *Manager) run() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	funcs := make([]Func, len(m.funcs))
	copy(funcs, m.funcs)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(funcs))
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, f := range funcs {
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			if err := f.Run(ctx); err != nil {
				errCh <- fmt.Errorf("shutdown %s: %w", f.Name, err)
				continue
			}
			log.Info().Str("step", f.Name).Dur("took", time.Since(start)).Msg("shutdown step completed")
		}
	}()

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		log.Warn().Msg("shutdown timeout reached before every step finished")
	}

	close(errCh)
	for err := range errCh {
		log.Error().Err(err).Msg("shutdown step failed")
	}
}
