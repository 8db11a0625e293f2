package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/watcher"
)

const defaultRetryInterval = 5 * time.Second

// Relayer runs the watchers, the proposal handler retries and the queues of every chain.
type Relayer struct {
	rc            *RelayerContext
	handler       *ProposalHandler
	watchers      []*watcher.Watcher
	retryInterval time.Duration
	logger        zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRelayer creates one watcher per watched item of every registered chain.
func NewRelayer(rc *RelayerContext) *Relayer {
	r := &Relayer{
		rc:            rc,
		handler:       NewProposalHandler(rc),
		retryInterval: defaultRetryInterval,
		logger:        rc.logger.With().Str("component", "relayer").Logger(),
	}
	for _, chain := range rc.Chains() {
		if chain.Source == nil {
			continue
		}
		for _, item := range chain.Items {
			r.watchers = append(r.watchers, watcher.New(
				item,
				chain.Source,
				chain.Store,
				r.handler,
				rc.Metrics,
				rc.Fatal,
				rc.logger,
			))
		}
	}
	return r
}

// Handler returns the proposal handler fed by the watchers.
func (r *Relayer) Handler() *ProposalHandler {
	return r.handler
}

// Start initializes every watermark and reloads unsettled events, then starts
// queues, watchers and the retry loop.
func (r *Relayer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	for _, w := range r.watchers {
		if err := w.Init(); err != nil {
			return err
		}
	}
	restored, err := r.handler.Restore()
	if err != nil {
		return err
	}
	if restored > 0 {
		r.logger.Info().Int("events", restored).Msg("restored unsettled events")
	}

	for _, chain := range r.rc.Chains() {
		chain.Queue.Start(ctx)
	}
	for _, w := range r.watchers {
		w.Start(ctx)
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.runRetries(ctx)

	r.logger.Info().
		Int("chains", len(r.rc.Chains())).
		Int("watchers", len(r.watchers)).
		Msg("relayer started")
	return nil
}

// Stop stops intake first, then the retry loop, then the queues. Items keep
// their last persisted state.
func (r *Relayer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	for _, w := range r.watchers {
		w.Stop()
	}
	r.wg.Wait()
	for _, chain := range r.rc.Chains() {
		chain.Queue.Stop()
	}
	r.logger.Info().Msg("relayer stopped")
}

// Run starts the relayer and blocks until ctx is done or a fatal error occurs.
func (r *Relayer) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	select {
	case <-ctx.Done():
		r.logger.Info().Msg("context canceled; shutting down relayer")
		return nil
	case err := <-r.rc.FatalErrors():
		return err
	}
}

func (r *Relayer) runRetries(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if n := r.handler.RetryDue(ctx); n > 0 {
				r.logger.Debug().Int("events", n).Msg("retried requeued events")
			}
		}
	}
}
