// Package discovery folds radio discovery events into the device registry
// and drives the adapter's scan and visibility.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"btlink/internal/connmgr"
	"btlink/internal/registry"
)

// ErrMalformedEvent marks a discovery event that carried no usable device.
// It is logged and dropped, never returned to callers of Run.
var ErrMalformedEvent = errors.New("discovery: malformed event")

// ErrStartFailed wraps every failure that keeps discovery from running:
// radio unavailable, a rejected StartDiscovery, an unreadable bonded list or
// a failed event subscription.
var ErrStartFailed = errors.New("discovery: could not start")

const (
	DefaultLongWindow  = 300 * time.Second
	DefaultShortWindow = 60 * time.Second
)

// Config holds the discoverability windows requested when the adapter stops
// being visible.
type Config struct {
	// LongWindow is requested when the adapter is neither connectable nor
	// discoverable.
	LongWindow time.Duration
	// ShortWindow is requested when the adapter is connectable only.
	ShortWindow time.Duration
}

func DefaultConfig() Config {
	return Config{LongWindow: DefaultLongWindow, ShortWindow: DefaultShortWindow}
}

// Controller bridges the radio's discovery primitive into a Registry.
type Controller struct {
	adapter connmgr.Adapter
	source  connmgr.EventSource
	reg     *registry.Registry
	cfg     Config
	log     zerolog.Logger
}

func New(adapter connmgr.Adapter, source connmgr.EventSource, reg *registry.Registry, cfg Config, log zerolog.Logger) *Controller {
	if cfg.LongWindow <= 0 {
		cfg.LongWindow = DefaultLongWindow
	}
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = DefaultShortWindow
	}
	return &Controller{
		adapter: adapter,
		source:  source,
		reg:     reg,
		cfg:     cfg,
		log:     log,
	}
}

// Start begins discovery. It is a no-op while discovery is already running.
func (c *Controller) Start() error {
	if !c.adapter.Enabled() {
		return fmt.Errorf("%w: %w", ErrStartFailed, connmgr.ErrRadioUnavailable)
	}
	if c.adapter.Discovering() {
		return nil
	}
	if err := c.adapter.StartDiscovery(); err != nil {
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	c.log.Info().Msg("discovery started")
	return nil
}

// Stop cancels discovery if it is running.
func (c *Controller) Stop() error {
	if !c.adapter.Discovering() {
		return nil
	}
	if err := c.adapter.CancelDiscovery(); err != nil {
		return fmt.Errorf("discovery: cancel: %w", err)
	}
	c.log.Info().Msg("discovery stopped")
	return nil
}

// Toggle cancels a running discovery or starts a new one.
func (c *Controller) Toggle() error {
	if c.adapter.Discovering() {
		return c.Stop()
	}
	return c.Start()
}

// LoadBonded seeds the registry with the adapter's bonded peers, marked
// connected.
func (c *Controller) LoadBonded() error {
	if !c.adapter.Enabled() {
		return fmt.Errorf("%w: %w", ErrStartFailed, connmgr.ErrRadioUnavailable)
	}
	devs, err := c.adapter.BondedDevices()
	if err != nil {
		return fmt.Errorf("%w: bonded devices: %w", ErrStartFailed, err)
	}
	for _, raw := range devs {
		d, err := translate(raw)
		if err != nil {
			c.log.Warn().Err(err).Str("path", raw.Path).Msg("skipping bonded device")
			continue
		}
		c.reg.Upsert(d)
		c.reg.SetConnected(d.Address, true)
	}
	c.log.Debug().Int("count", len(devs)).Msg("bonded devices loaded")
	return nil
}

// Run subscribes to the event source and dispatches events until ctx is done
// or the stream ends.
func (c *Controller) Run(ctx context.Context) error {
	events, err := c.source.Events(ctx)
	if err != nil {
		return fmt.Errorf("%w: subscribe: %w", ErrStartFailed, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			c.Dispatch(ev)
		}
	}
}

// Dispatch routes one event to its handler.
func (c *Controller) Dispatch(ev connmgr.Event) {
	switch e := ev.(type) {
	case connmgr.DeviceFound:
		c.OnDeviceFound(e.Device)
	case connmgr.ScanModeChanged:
		c.OnScanModeChanged(e.Mode)
	case connmgr.ConnectionStateChanged:
		c.onConnectionStateChanged(e)
	default:
		c.log.Warn().Str("type", fmt.Sprintf("%T", ev)).Msg("unknown event dropped")
	}
}

// OnDeviceFound records a discovered peer. A missing name is stored as
// unknown; an event without an address is logged and dropped.
func (c *Controller) OnDeviceFound(raw connmgr.Device) {
	d, err := translate(raw)
	if err != nil {
		c.log.Warn().Err(err).Str("path", raw.Path).Msg("discovery event dropped")
		return
	}
	d.Connected = false
	c.reg.Upsert(d)
	c.log.Debug().Str("address", d.Address).Str("name", d.Name).Msg("device found")
}

// OnScanModeChanged keeps the local adapter visible while scanning: a long
// discoverable window when invisible, a short one when only connectable, and
// otherwise re-arming the device-found subscription.
func (c *Controller) OnScanModeChanged(mode connmgr.ScanMode) {
	l := c.log.With().Str("mode", mode.String()).Logger()
	switch mode {
	case connmgr.ScanModeNone:
		c.requestDiscoverable(l, c.cfg.LongWindow)
	case connmgr.ScanModeConnectable:
		c.requestDiscoverable(l, c.cfg.ShortWindow)
	case connmgr.ScanModeConnectableDiscoverable:
		c.rearm(l)
	default:
		c.rearm(l)
	}
}

func (c *Controller) requestDiscoverable(l zerolog.Logger, d time.Duration) {
	if err := c.adapter.RequestDiscoverable(d); err != nil {
		l.Error().Err(err).Dur("window", d).Msg("discoverable request failed")
		return
	}
	l.Info().Dur("window", d).Msg("discoverable requested")
}

func (c *Controller) rearm(l zerolog.Logger) {
	if err := c.source.WatchDevices(); err != nil {
		l.Error().Err(err).Msg("re-arming device watch failed")
	}
}

func (c *Controller) onConnectionStateChanged(e connmgr.ConnectionStateChanged) {
	addr := connmgr.NormalizeAddress(e.Address)
	if addr == "" {
		c.log.Warn().Err(ErrMalformedEvent).Msg("connection state event dropped")
		return
	}
	if !c.reg.SetConnected(addr, e.Connected) {
		c.log.Debug().Str("address", addr).Msg("connection state for unknown device")
	}
}

func translate(raw connmgr.Device) (registry.Device, error) {
	addr := connmgr.NormalizeAddress(raw.Address)
	if addr == "" {
		return registry.Device{}, fmt.Errorf("%w: empty address", ErrMalformedEvent)
	}
	return registry.Device{Name: raw.Name, Address: addr}, nil
}
