// Package connector assembles the process-level container: shared services
// (cache, timers, error queue, tracing, command/control), configuration
// loading, app construction, and the run/stop lifecycle the entrypoint
// drives.
package connector

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/flowconnect-run/flowconnect/internal/app"
	"github.com/flowconnect-run/flowconnect/internal/broker"
	"github.com/flowconnect-run/flowconnect/internal/cache"
	"github.com/flowconnect-run/flowconnect/internal/cachevfs"
	"github.com/flowconnect-run/flowconnect/internal/component"
	"github.com/flowconnect-run/flowconnect/internal/config"
	"github.com/flowconnect-run/flowconnect/internal/control"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
	"github.com/flowconnect-run/flowconnect/internal/timer"
	"github.com/flowconnect-run/flowconnect/internal/tracing"
)

// defaultAppName is synthesized when a configuration uses the deprecated
// top-level flows: form, wrapping it into a single default app so both
// forms can be constructed uniformly.
const defaultAppName = "default"

const errorQueueDepth = 512

// Connector owns every app in a single process plus the shared services
// they depend on.
type Connector struct {
	cfg *config.Config

	cache      *cache.Service
	timers     *timer.Manager
	errorQueue chan component.ErrorEnvelope
	tracer     *tracing.System

	ccRegistry *control.EntityRegistry
	ccAdapter  *control.BrokerAdapter
	ccBroker   broker.Broker

	apps []*app.App

	cancel context.CancelFunc
}

// Load reads configuration from paths (later files override earlier ones'
// scalar fields and append to apps/flows), builds shared services, and
// constructs every app. Startup failures are fatal — callers should treat a
// non-nil error as unrecoverable.
func Load(paths []string, factories map[string]app.ComponentFactory) (*Connector, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("connector: at least one config file is required")
	}

	merged := &config.Config{}
	for _, p := range paths {
		cfg, err := config.Load(p)
		if err != nil {
			return nil, err
		}
		mergeConfigs(merged, cfg)
	}
	config.ApplyDefaults(merged)
	if err := config.Validate(merged); err != nil {
		return nil, err
	}

	c := &Connector{cfg: merged, errorQueue: make(chan component.ErrorEnvelope, errorQueueDepth)}

	if err := c.buildSharedServices(); err != nil {
		return nil, err
	}

	if err := c.buildCommandControl(); err != nil {
		return nil, err
	}

	if err := c.buildApps(factories); err != nil {
		return nil, err
	}

	return c, nil
}

func mergeConfigs(dst, src *config.Config) {
	if src.InstanceName != "" {
		dst.InstanceName = src.InstanceName
	}
	if src.Log.Destination != "" {
		dst.Log = src.Log
	}
	if src.Trace.TraceFile != "" {
		dst.Trace = src.Trace
	}
	if src.Cache.Backend != "" {
		dst.Cache = src.Cache
	}
	if src.CommandControl.Enabled {
		dst.CommandControl = src.CommandControl
	}
	dst.Apps = append(dst.Apps, src.Apps...)
	dst.Flows = append(dst.Flows, src.Flows...)
}

func (c *Connector) buildSharedServices() error {
	if c.cfg.Log.Destination != "" {
		f, err := os.OpenFile(c.cfg.Log.Destination, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("connector: opening log destination: %w", err)
		}
		log.SetOutput(f)
	}

	var backend cache.Backend
	var err error
	switch c.cfg.Cache.Backend {
	case "", "memory":
		backend, err = cache.NewMemoryBackend()
	case "disk":
		root, rootErr := cachevfs.NewRoot(c.cfg.Cache.Dir)
		if rootErr != nil {
			return fmt.Errorf("connector: cache root: %w", rootErr)
		}
		backend, err = cache.NewDiskBackend(root)
	default:
		return fmt.Errorf("connector: unknown cache backend %q", c.cfg.Cache.Backend)
	}
	if err != nil {
		return fmt.Errorf("connector: building cache backend: %w", err)
	}
	c.cache = cache.NewService(backend)

	c.timers = timer.NewManager()

	if c.cfg.Trace.TraceFile != "" {
		c.tracer = tracing.NewSystem("flowconnect")
	}

	return nil
}

// buildCommandControl constructs the command/control plane's two internal
// pieces (request router plus broker adapter) ahead of user apps, when
// enabled.
func (c *Connector) buildCommandControl() error {
	if !c.cfg.CommandControl.Enabled {
		return nil
	}

	c.ccBroker = broker.NewDev()
	if c.cfg.CommandControl.Broker.Mode == "persistent" {
		c.ccBroker = broker.NewPersistent(c.cfg.CommandControl.Broker.Address, "command-control", broker.DefaultReconnectPolicy())
	}

	c.ccRegistry = control.NewEntityRegistry()
	router := control.NewRequestRouter(c.ccRegistry)

	adapterCfg := control.AdapterConfig{
		Namespace:   c.cfg.CommandControl.Namespace,
		TopicPrefix: c.cfg.CommandControl.TopicPrefix,
		ReplyPrefix: c.cfg.CommandControl.ReplyPrefix,
		QueueName:   "command-control",
	}
	c.ccAdapter = control.NewBrokerAdapter(adapterCfg, c.ccBroker, router, c.tracer)

	return nil
}

func (c *Connector) buildApps(factories map[string]app.ComponentFactory) error {
	deps := app.Dependencies{Cache: c.cache, Timers: c.timers}

	specs := c.cfg.Apps
	if len(c.cfg.Flows) > 0 {
		specs = append(specs, config.AppConfig{Name: defaultAppName, Flows: c.cfg.Flows})
	}

	for _, spec := range specs {
		a, err := app.Build(context.Background(), spec, factories, deps, c.errorQueue)
		if err != nil {
			return fmt.Errorf("connector: building app %q: %w", spec.Name, err)
		}
		c.apps = append(c.apps, a)
	}
	return nil
}

// Run starts every app, the command/control plane, and the fallback error
// drain, then blocks until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.ccAdapter != nil {
		if err := c.ccBroker.Connect(runCtx); err != nil {
			return fmt.Errorf("connector: connecting command/control broker: %w", err)
		}
		if err := c.ccAdapter.Start(runCtx); err != nil {
			return fmt.Errorf("connector: starting command/control: %w", err)
		}
	}

	for _, a := range c.apps {
		if err := a.Run(runCtx); err != nil {
			return fmt.Errorf("connector: starting app %q: %w", a.Name, err)
		}
	}

	go c.drainCacheExpiries(runCtx)
	go drainErrorQueue(runCtx, c.errorQueue)

	<-runCtx.Done()
	return nil
}

// Stop signals shutdown; Cleanup should be called afterward to join every
// app's workers in reverse construction order.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	for i := len(c.apps) - 1; i >= 0; i-- {
		c.apps[i].Stop()
	}
}

// Cleanup releases shared services and joins every app's workers, in
// reverse construction order.
func (c *Connector) Cleanup() {
	for i := len(c.apps) - 1; i >= 0; i-- {
		c.apps[i].Cleanup()
	}
	c.timers.StopAll()
	if err := c.cache.Close(); err != nil {
		log.Printf("connector: closing cache: %v", err)
	}
}

// drainCacheExpiries fans a cache expiry key out to every component that
// implements CacheExpiryHook, by pushing a CACHE_EXPIRY event onto each such
// component's own runner input channel.
func (c *Connector) drainCacheExpiries(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-c.cache.Expired():
			if !ok {
				return
			}
			for _, a := range c.apps {
				for _, f := range a.Flows() {
					for _, r := range f.Runners() {
						if _, ok := r.Component().(component.CacheExpiryHook); ok {
							select {
							case r.InputChannel() <- envelope.NewCacheExpiryEvent(key):
							default:
								log.Printf("connector: dropping cache expiry %q, %s's input channel is full", key, r.Component().Name())
							}
						}
					}
				}
			}
		}
	}
}

func drainErrorQueue(ctx context.Context, errorQueue <-chan component.ErrorEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-errorQueue:
			if !ok {
				return
			}
			log.Printf("connector: component %s raised: %v (envelope %s)", e.Component, e.Err, e.Env.ID)
		}
	}
}

