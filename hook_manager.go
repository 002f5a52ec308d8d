package testreport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphi011/testreport/internal/model"
)

// ResultMetadataProvider adds metadata to each test when it starts.
type ResultMetadataProvider interface {
	Hook
	ResultMetadata(info model.TestInfo) model.Metadata
}

// RunMetadataProvider adds metadata to the run when the session finishes.
type RunMetadataProvider interface {
	Hook
	RunMetadata() model.Metadata
}

type TestFinishedListener interface {
	Hook
	TestFinished(result model.Result)
}

type AsyncTestFinishedListener interface {
	Hook
	TestFinishedAsync(result model.Result, callback AsyncHookCallback)
}

// BeforeShutdownListener sees the final bundle before it is delivered. The
// metadata it returns is added to the run, keys already set take precedence.
type BeforeShutdownListener interface {
	Hook
	BeforeShutdown(ctx context.Context, bundle model.Bundle) (model.Metadata, error)
}

// AsyncHookCallback allows async hooks to add metadata to the result they
// were notified about.
type AsyncHookCallback func(metadata model.Metadata)

type Hook interface {
	Name() string
	Init() error
}

type hookManager struct {
	all               []Hook
	resultMetadata    []ResultMetadataProvider
	runMetadata       []RunMetadataProvider
	testFinished      []TestFinishedListener
	testFinishedAsync []AsyncTestFinishedListener
	beforeShutdown    []BeforeShutdownListener

	asyncCallback asyncHookCallback

	// mu guards closed, async hooks are not started once shutdown began
	mu                sync.Mutex
	closed            bool
	asyncHooksRunning sync.WaitGroup

	log *slog.Logger
}

type asyncHookCallback func(p Hook, nodeID string, metadata model.Metadata)

func newHookManager(hookCallback asyncHookCallback, log *slog.Logger) *hookManager {
	return &hookManager{
		all:               []Hook{},
		resultMetadata:    []ResultMetadataProvider{},
		runMetadata:       []RunMetadataProvider{},
		testFinished:      []TestFinishedListener{},
		testFinishedAsync: []AsyncTestFinishedListener{},
		beforeShutdown:    []BeforeShutdownListener{},

		asyncCallback: hookCallback,
		log:           log,
	}
}

func (s *hookManager) init() error {
	for _, p := range s.all {
		if err := p.Init(); err != nil {
			return fmt.Errorf("initiating hook %q: %w", p.Name(), err)
		}

		registeredHook := false

		if l, ok := p.(ResultMetadataProvider); ok {
			s.resultMetadata = append(s.resultMetadata, l)
			registeredHook = true
		}
		if l, ok := p.(RunMetadataProvider); ok {
			s.runMetadata = append(s.runMetadata, l)
			registeredHook = true
		}
		if l, ok := p.(TestFinishedListener); ok {
			s.testFinished = append(s.testFinished, l)
			registeredHook = true
		}
		if l, ok := p.(AsyncTestFinishedListener); ok {
			s.testFinishedAsync = append(s.testFinishedAsync, l)
			registeredHook = true
		}
		if l, ok := p.(BeforeShutdownListener); ok {
			s.beforeShutdown = append(s.beforeShutdown, l)
			registeredHook = true
		}

		if !registeredHook {
			return fmt.Errorf("hook %q does not implement any listener", p.Name())
		}
	}

	return nil
}

// shutdown returns a context that is done once all async hooks returned.
func (s *hookManager) shutdown() context.Context {
	cancelCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	go func() {
		s.asyncHooksRunning.Wait()
		cancel()
	}()

	return cancelCtx
}

// collectResultMetadata merges the metadata of all providers, earlier
// registered hooks take precedence.
func (s *hookManager) collectResultMetadata(info model.TestInfo) model.Metadata {
	layers := make([]model.Metadata, 0, len(s.resultMetadata))
	for _, p := range s.resultMetadata {
		layers = append(layers, p.ResultMetadata(info))
	}

	return s.resolve(layers, "node-id", info.NodeID)
}

func (s *hookManager) collectRunMetadata() model.Metadata {
	layers := make([]model.Metadata, 0, len(s.runMetadata))
	for _, p := range s.runMetadata {
		layers = append(layers, p.RunMetadata())
	}

	return s.resolve(layers)
}

func (s *hookManager) resolve(layers []model.Metadata, attrs ...any) model.Metadata {
	md, err := model.ResolveMetadata(layers...)
	if err != nil {
		s.log.Warn("ignoring conflicting hook metadata", append(attrs, "error", err)...)
		return model.Metadata{}
	}

	return md
}

func (s *hookManager) notifyTestFinished(result model.Result) {
	for _, p := range s.testFinished {
		p.TestFinished(result)
	}
}

func (s *hookManager) notifyTestFinishedAsync(result model.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if len(s.testFinishedAsync) > 0 {
			s.log.Debug("not notifying async hooks after shutdown", "node-id", result.NodeID())
		}
		return
	}

	for _, p := range s.testFinishedAsync {
		s.asyncHooksRunning.Add(1)

		hook := p
		go func() {
			defer s.asyncHooksRunning.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("async hook panicked", "hook", hook.Name(), "error", r)
				}
			}()

			hook.TestFinishedAsync(result, s.newAsyncHookCallback(hook, result.NodeID()))
		}()
	}
}

// notifyBeforeShutdown returns the metadata all listeners want to add to
// the run. Failing listeners are logged and skipped.
func (s *hookManager) notifyBeforeShutdown(ctx context.Context, bundle model.Bundle) model.Metadata {
	layers := []model.Metadata{}

	for _, p := range s.beforeShutdown {
		md, err := p.BeforeShutdown(ctx, bundle)
		if err != nil {
			s.log.Warn("before shutdown hook failed", "hook", p.Name(), "error", err)
			continue
		}
		if md != nil {
			layers = append(layers, md)
		}
	}

	return s.resolve(layers)
}

func (s *hookManager) newAsyncHookCallback(p Hook, nodeID string) AsyncHookCallback {
	return func(md model.Metadata) {
		s.asyncCallback(p, nodeID, md)
	}
}
