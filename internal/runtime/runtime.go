// Package runtime wires together every component of the device client
// and drives its two background loops: policy refresh and the
// scheduled-window dispatcher. Its loop structure (backoffLoop/wait, one goroutine
// per loop joined on a WaitGroup) is ported from the teacher's
// internal/agent.Agent, generalized from OS-agent policy sync to this
// runtime's device-model/policy/message pipeline.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evergreen-iot/device-client/internal/config"
	"github.com/evergreen-iot/device-client/internal/gateway"
	"github.com/evergreen-iot/device-client/internal/obslog"
	"github.com/evergreen-iot/device-client/internal/policyfn"
	"github.com/evergreen-iot/device-client/internal/policymgr"
	"github.com/evergreen-iot/device-client/internal/scheduler"
	"github.com/evergreen-iot/device-client/internal/store"
	"github.com/evergreen-iot/device-client/internal/telemetry"
	"github.com/evergreen-iot/device-client/internal/trust"
	"github.com/evergreen-iot/device-client/pkg/iotapi"
)

// Runtime owns every live component and its background loops.
type Runtime struct {
	cfg    config.Config
	logger *obslog.Logger
	client *iotapi.Client

	trust     *trust.Store
	verifier  *trust.PolicyVerifier
	policies  *policymgr.Manager
	functions *policyfn.Registry
	stores    *store.Registry
	gateway   *gateway.MemoryGateway
	scheduler *scheduler.Dispatcher
	metrics   *telemetry.Registry

	retryBackoff  time.Duration
	retryMaxDelay time.Duration
}

// New builds a fully wired Runtime from cfg.
func New(cfg config.Config) (*Runtime, error) {
	logger := obslog.New(cfg.Logging.Level, cfg.Logging.Format)

	trustStore, err := trust.NewStore(cfg.DeviceTokenPath)
	if err != nil {
		return nil, fmt.Errorf("open trust store: %w", err)
	}

	client, err := iotapi.New(cfg.BackendURL, "", iotapi.WithAuth(func(ctx context.Context) (string, error) {
		return trustStore.ClientAssertion(cfg.BackendURL, 5*time.Minute)
	}))
	if err != nil {
		return nil, fmt.Errorf("init iotapi client: %w", err)
	}

	verifier, err := trust.NewPolicyVerifier(cfg.PolicyPublicKey)
	if err != nil {
		return nil, fmt.Errorf("load policy verifier: %w", err)
	}

	persist := gateway.NewFilePersistence(cfg.EventQueuePath)
	gw := gateway.NewMemoryGateway(persist)

	var storeFactory func(name string) store.Backing
	if cfg.PolicyCachePath != "" {
		storeFactory = store.FileStoreFactory(cfg.PolicyCachePath)
	}

	r := &Runtime{
		cfg:           cfg,
		logger:        logger,
		client:        client,
		trust:         trustStore,
		verifier:      verifier,
		policies:      policymgr.NewManager(logger),
		functions:     policyfn.NewRegistry(),
		stores:        store.NewRegistry(storeFactory),
		gateway:       gw,
		scheduler:     scheduler.NewDispatcher(),
		metrics:       telemetry.New(),
		retryBackoff:  cfg.Intervals.RetryBackoff.Duration,
		retryMaxDelay: cfg.Intervals.RetryMaxDelay.Duration,
	}
	if cfg.Intervals.WindowTick.Duration > 0 {
		r.scheduler.SetMinTick(cfg.Intervals.WindowTick.Duration)
	}
	return r, nil
}

// Metrics exposes the runtime's Prometheus registry, e.g. for an
// /metrics HTTP handler.
func (r *Runtime) Metrics() *telemetry.Registry { return r.metrics }

// Policies exposes the policy manager for device/policy wiring.
func (r *Runtime) Policies() *policymgr.Manager { return r.policies }

// Functions exposes the policy function registry.
func (r *Runtime) Functions() *policyfn.Registry { return r.functions }

// Stores exposes the named persistence registry.
func (r *Runtime) Stores() *store.Registry { return r.stores }

// Gateway exposes the message gateway.
func (r *Runtime) Gateway() *gateway.MemoryGateway { return r.gateway }

// Trust exposes the trust store.
func (r *Runtime) Trust() *trust.Store { return r.trust }

// Client exposes the cloud API client.
func (r *Runtime) Client() *iotapi.Client { return r.client }

// Run starts every background loop and blocks until ctx is cancelled or
// a loop returns a non-cancellation error.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.gateway.Restore(ctx); err != nil {
		r.logger.Warn("failed to restore queued messages", obslog.Err(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	const loops = 2
	errCh := make(chan error, loops)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- r.backoffLoop(ctx, r.cfg.Intervals.PolicyPoll.Duration, r.pollPolicy)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.scheduler.Run(ctx)
		errCh <- nil
	}()

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	return firstErr
}

// backoffLoop is the teacher's agent.backoffLoop pattern unchanged in
// shape: run work on cfg.Intervals' cadence, doubling the retry delay on
// failure up to retryMaxDelay, resetting to the base interval on success.
func (r *Runtime) backoffLoop(ctx context.Context, interval time.Duration, work func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	baseBackoff := r.retryBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	maxDelay := r.retryMaxDelay
	if maxDelay <= 0 {
		maxDelay = baseBackoff * 16
	}

	var wait time.Duration
	delay := baseBackoff
	for {
		if wait > 0 {
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := work(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.logger.Warn("background loop iteration failed", obslog.Err(err))
			wait = delay
			if delay < maxDelay {
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
			}
			continue
		}
		wait = interval
		delay = baseBackoff
	}
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
