package events

import (
	"log/slog"
	"sync"
	"time"
)

// Dispatcher routes events from the bus to script hooks and webhooks.
// Hook failures never reach request processing.
type Dispatcher struct {
	bus      *Bus
	scripts  *ScriptRunner
	webhooks *WebhookSender
	logger   *slog.Logger

	scriptCfgs  []ScriptConfig
	webhookCfgs []WebhookConfig

	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(bus *Bus, logger *slog.Logger, scriptConcurrency int, webhookTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		scripts:  NewScriptRunner(scriptConcurrency, logger),
		webhooks: NewWebhookSender(webhookTimeout, logger),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// AddScript registers a script hook. Hooks must be added before Start.
func (d *Dispatcher) AddScript(cfg ScriptConfig) {
	d.scriptCfgs = append(d.scriptCfgs, cfg)
}

// AddWebhook registers a webhook hook. Hooks must be added before Start.
func (d *Dispatcher) AddWebhook(cfg WebhookConfig) {
	d.webhookCfgs = append(d.webhookCfgs, cfg)
}

// Start subscribes to the bus and dispatches in the background. With no hooks
// registered it does nothing.
func (d *Dispatcher) Start() {
	if len(d.scriptCfgs) == 0 && len(d.webhookCfgs) == 0 {
		return
	}
	d.ch = d.bus.Subscribe(1000)
	d.logger.Info("event dispatcher started",
		"script_hooks", len(d.scriptCfgs),
		"webhook_hooks", len(d.webhookCfgs))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case evt, ok := <-d.ch:
				if !ok {
					return
				}
				d.dispatch(evt)
			case <-d.done:
				return
			}
		}
	}()
}

// Stop shuts down the dispatcher. Running scripts are killed and pending
// webhook retries abandoned.
func (d *Dispatcher) Stop() {
	close(d.done)
	if d.ch != nil {
		d.bus.Unsubscribe(d.ch)
	}
	d.wg.Wait()
	d.scripts.Close()
	d.webhooks.Close()
	d.logger.Info("event dispatcher stopped")
}

func (d *Dispatcher) dispatch(evt Event) {
	for _, cfg := range d.scriptCfgs {
		if cfg.Matches(evt) {
			d.scripts.Run(cfg, evt)
		}
	}
	for _, cfg := range d.webhookCfgs {
		if cfg.Matches(evt) {
			d.webhooks.Send(cfg, evt)
		}
	}
}
