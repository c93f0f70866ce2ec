/*
Package config provides type-safe configuration extraction from map[string]any
and the flow engine settings built on top of it.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches by returning default values. Keys may be
dotted paths into nested maps, which is the shape YAML files and viper
settings produce:

	cfg := config.New(map[string]any{
	    "session": map[string]any{"resend_window": "10s"},
	    "transport.partitions": 8,
	})

	cfg.Duration("session.resend_window", 5*time.Second) // 10s
	cfg.Int("transport.partitions", 4)                    // 8
	cfg.Bool("session.ack_out_of_order", true)            // true

A flat key containing dots wins over the nested path.

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "1h30m")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

Numeric and boolean accessors also parse strings, so environment overrides
("8", "false") work.

# Engine Settings

Engine reads every flow engine setting with its default:

	settings, err := config.Engine(cfg)

# File Loading

Engine config files are YAML or JSON with the sections external, session,
store and transport. Unknown sections are rejected:

	path, err := config.Find(".")            // flowengine.yaml, .yml or .json
	cfg, settings, err := config.LoadFile(path)

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
