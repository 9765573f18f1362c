package host

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ardnew/softotg/pkg"
)

// Duration is a time.Duration that reads and writes as a string ("20ms")
// in configuration files.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration {
	return Duration{d}
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds the controller tunables.
type Config struct {
	FIFOSize        int `toml:"fifo_size"`
	SlotsIn         int `toml:"slots_in"`
	SlotsOut        int `toml:"slots_out"`
	RequestPoolSize int `toml:"request_pool_size"`

	// Bulk requests with at least this many bytes remaining use DMA.
	DMAThreshold int `toml:"dma_threshold"`

	// MaxRetries is the per-request ceiling for no-handshake and PID errors.
	MaxRetries int `toml:"max_retries"`
	// DisconnectLimit is the ceiling for consecutive no-handshake errors on
	// a bulk endpoint before the device is declared gone.
	DisconnectLimit int `toml:"disconnect_limit"`
	// RearmLimit is the number of empty interrupt polls before the endpoint
	// is flagged stalled.
	RearmLimit int `toml:"rearm_limit"`

	FIFOBusyTimeout   Duration `toml:"fifo_busy_timeout"`
	FIFOBusyLimit     int      `toml:"fifo_busy_limit"`
	FIFOWatchInterval Duration `toml:"fifo_watch_interval"`
	DMATimeout        Duration `toml:"dma_timeout"`
	DMAWatchInterval  Duration `toml:"dma_watch_interval"`

	HotplugSettle   Duration `toml:"hotplug_settle"`
	HotplugPoll     Duration `toml:"hotplug_poll"`
	DebounceSamples int      `toml:"debounce_samples"`

	BringUpBackoffMin Duration `toml:"bringup_backoff_min"`
	BringUpBackoffMax Duration `toml:"bringup_backoff_max"`

	// Dispatch selects where the deferred executor runs. With "inline" the
	// goroutine that triggered it runs it once the lock is dropped, so
	// HandleInterrupt, timer callbacks and Submit may call completion
	// callbacks on their own stack, in a deterministic order. With "worker"
	// those paths only signal a dedicated goroutine and return, and
	// callbacks never run on an interrupt or timer stack.
	Dispatch string `toml:"dispatch"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		FIFOSize:          DefaultFIFOSize,
		SlotsIn:           DefaultSlotsIn,
		SlotsOut:          DefaultSlotsOut,
		RequestPoolSize:   DefaultRequestPoolSize,
		DMAThreshold:      DefaultDMAThreshold,
		MaxRetries:        DefaultMaxRetries,
		DisconnectLimit:   DefaultDisconnectLimit,
		RearmLimit:        DefaultRearmLimit,
		FIFOBusyTimeout:   D(DefaultFIFOBusyTimeout),
		FIFOBusyLimit:     DefaultFIFOBusyLimit,
		FIFOWatchInterval: D(DefaultFIFOWatchInterval),
		DMATimeout:        D(DefaultDMATimeout),
		DMAWatchInterval:  D(DefaultDMAWatchInterval),
		HotplugSettle:     D(DefaultHotplugSettle),
		HotplugPoll:       D(DefaultHotplugPoll),
		DebounceSamples:   DefaultDebounceSamples,
		BringUpBackoffMin: D(DefaultBringUpBackoffMin),
		BringUpBackoffMax: D(DefaultBringUpBackoffMax),
		Dispatch:          DispatchInline,
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	return checkDecoded(cfg, md, err)
}

// DecodeConfig parses TOML text over the defaults.
func DecodeConfig(text string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(text, &cfg)
	return checkDecoded(cfg, md, err)
}

// checkDecoded rejects decode errors and keys that match no field, then
// validates the result.
func checkDecoded(cfg Config, md toml.MetaData, err error) (Config, error) {
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", pkg.ErrConfiguration, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("%w: unknown key %q", pkg.ErrConfiguration, undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// WriteTo encodes the configuration as TOML.
func (c Config) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := toml.NewEncoder(cw).Encode(c)
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{pkg.ErrConfiguration}, args...)...)
	}
	switch {
	case c.FIFOSize < 2*FIFOUnit || c.FIFOSize%FIFOUnit != 0:
		return fail("fifo_size %d must be a multiple of %d holding at least two units", c.FIFOSize, FIFOUnit)
	case c.SlotsIn < 1 || c.SlotsIn > MaxEndpointSlots:
		return fail("slots_in %d out of range 1..%d", c.SlotsIn, MaxEndpointSlots)
	case c.SlotsOut < 1 || c.SlotsOut > MaxEndpointSlots:
		return fail("slots_out %d out of range 1..%d", c.SlotsOut, MaxEndpointSlots)
	case c.RequestPoolSize < 1:
		return fail("request_pool_size must be positive")
	case c.DMAThreshold < 1:
		return fail("dma_threshold must be positive")
	case c.MaxRetries < 0:
		return fail("max_retries must not be negative")
	case c.DisconnectLimit < 1:
		return fail("disconnect_limit must be positive")
	case c.RearmLimit < 1:
		return fail("rearm_limit must be positive")
	case c.FIFOBusyLimit < 1:
		return fail("fifo_busy_limit must be positive")
	case c.DebounceSamples < 1:
		return fail("debounce_samples must be positive")
	case c.FIFOBusyTimeout.Duration <= 0, c.FIFOWatchInterval.Duration <= 0,
		c.DMATimeout.Duration <= 0, c.DMAWatchInterval.Duration <= 0,
		c.HotplugSettle.Duration <= 0, c.HotplugPoll.Duration <= 0:
		return fail("timer intervals must be positive")
	case c.BringUpBackoffMin.Duration <= 0 || c.BringUpBackoffMax.Duration < c.BringUpBackoffMin.Duration:
		return fail("bring-up backoff range invalid")
	case c.Dispatch != DispatchInline && c.Dispatch != DispatchWorker:
		return fail("dispatch %q must be %q or %q", c.Dispatch, DispatchInline, DispatchWorker)
	}
	return nil
}
