package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/randalmurphal/flowengine/pkg/flowengine/external"
	"github.com/randalmurphal/flowengine/pkg/flowengine/session"
)

// Setting keys.
const (
	KeyExternalMaxRetries       = "external.max_retries"
	KeyExternalResendWindow     = "external.resend_window"
	KeySessionResendWindow      = "session.resend_window"
	KeySessionMaxBackoff        = "session.max_backoff"
	KeySessionBackoffFactor     = "session.backoff_factor"
	KeySessionAckOutOfOrder     = "session.ack_out_of_order"
	KeyTransportPartitions      = "transport.partitions"
	KeyTransportMaxRedeliveries = "transport.max_redeliveries"
	KeyTransportRedeliveryDelay = "transport.redelivery_backoff"
	KeyStoreDriver              = "store.driver"
	KeyStoreDSN                 = "store.dsn"
)

// Drivers lists the supported checkpoint store drivers.
var Drivers = []string{"memory", "sqlite", "postgres", "redis"}

// TransportSettings configures the local transport.
type TransportSettings struct {
	Partitions        int
	MaxRedeliveries   int
	RedeliveryBackoff time.Duration
}

// StoreSettings selects the checkpoint store.
type StoreSettings struct {
	Driver string
	DSN    string
}

// EngineSettings holds every flow engine setting.
type EngineSettings struct {
	Session   session.Config
	External  external.Config
	Transport TransportSettings
	Store     StoreSettings
}

// Defaults returns the engine settings used when nothing is configured.
func Defaults() EngineSettings {
	return EngineSettings{
		Session:  session.DefaultConfig(),
		External: external.DefaultConfig(),
		Transport: TransportSettings{
			Partitions:        4,
			MaxRedeliveries:   5,
			RedeliveryBackoff: 100 * time.Millisecond,
		},
		Store: StoreSettings{Driver: "memory"},
	}
}

// DefaultMap returns the defaults keyed by setting name, for layering under
// other configuration sources.
func DefaultMap() map[string]any {
	d := Defaults()
	return map[string]any{
		KeyExternalMaxRetries:       d.External.MaxRetries,
		KeyExternalResendWindow:     d.External.ResendWindow.String(),
		KeySessionResendWindow:      d.Session.ResendWindow.String(),
		KeySessionMaxBackoff:        d.Session.MaxBackoff.String(),
		KeySessionBackoffFactor:     d.Session.BackoffFactor,
		KeySessionAckOutOfOrder:     d.Session.AckOutOfOrder,
		KeyTransportPartitions:      d.Transport.Partitions,
		KeyTransportMaxRedeliveries: d.Transport.MaxRedeliveries,
		KeyTransportRedeliveryDelay: d.Transport.RedeliveryBackoff.String(),
		KeyStoreDriver:              d.Store.Driver,
		KeyStoreDSN:                 d.Store.DSN,
	}
}

// Engine reads the engine settings from cfg, applying defaults for missing
// keys, and validates them.
func Engine(cfg Config) (EngineSettings, error) {
	d := Defaults()
	s := EngineSettings{
		Session: session.Config{
			ResendWindow:  cfg.Duration(KeySessionResendWindow, d.Session.ResendWindow),
			MaxBackoff:    cfg.Duration(KeySessionMaxBackoff, d.Session.MaxBackoff),
			BackoffFactor: cfg.Float(KeySessionBackoffFactor, d.Session.BackoffFactor),
			AckOutOfOrder: cfg.Bool(KeySessionAckOutOfOrder, d.Session.AckOutOfOrder),
		},
		External: external.Config{
			MaxRetries:   cfg.Int(KeyExternalMaxRetries, d.External.MaxRetries),
			ResendWindow: cfg.Duration(KeyExternalResendWindow, d.External.ResendWindow),
		},
		Transport: TransportSettings{
			Partitions:        cfg.Int(KeyTransportPartitions, d.Transport.Partitions),
			MaxRedeliveries:   cfg.Int(KeyTransportMaxRedeliveries, d.Transport.MaxRedeliveries),
			RedeliveryBackoff: cfg.Duration(KeyTransportRedeliveryDelay, d.Transport.RedeliveryBackoff),
		},
		Store: StoreSettings{
			Driver: cfg.String(KeyStoreDriver, d.Store.Driver),
			DSN:    cfg.String(KeyStoreDSN, d.Store.DSN),
		},
	}
	return s, s.Validate()
}

// Validate checks the settings for values the engine cannot run with.
func (s EngineSettings) Validate() error {
	switch {
	case s.External.MaxRetries < 0:
		return fmt.Errorf("%s must be >= 0, got %d", KeyExternalMaxRetries, s.External.MaxRetries)
	case s.Session.ResendWindow <= 0:
		return fmt.Errorf("%s must be positive, got %s", KeySessionResendWindow, s.Session.ResendWindow)
	case s.Session.MaxBackoff < s.Session.ResendWindow:
		return fmt.Errorf("%s (%s) must be >= %s (%s)",
			KeySessionMaxBackoff, s.Session.MaxBackoff, KeySessionResendWindow, s.Session.ResendWindow)
	case s.Transport.Partitions < 1:
		return fmt.Errorf("%s must be >= 1, got %d", KeyTransportPartitions, s.Transport.Partitions)
	case s.Transport.MaxRedeliveries < 0:
		return fmt.Errorf("%s must be >= 0, got %d", KeyTransportMaxRedeliveries, s.Transport.MaxRedeliveries)
	case !slices.Contains(Drivers, s.Store.Driver):
		return fmt.Errorf("%s must be one of %v, got %q", KeyStoreDriver, Drivers, s.Store.Driver)
	}
	return nil
}
