// Package crypt is the public entry point for the transparent block-device
// encryption mapping: it wraps internal/crypt/mapping behind a stable
// surface so callers never need to reach into internal packages to get a
// crypt-backed ublk.Backend.
package crypt

import (
	"github.com/ehrlich-b/go-ublk/internal/crypt/keyring"
	"github.com/ehrlich-b/go-ublk/internal/crypt/mapping"
	"github.com/ehrlich-b/go-ublk/internal/interfaces"
)

// Config is the table-line-decoded construction input; see
// internal/crypt/mapping.Config for field documentation.
type Config = mapping.Config

// Mapping is the constructed, running crypt target. It implements
// interfaces.Backend (and ublk.Backend, which is the same interface
// re-exported at the module root), so it can be passed directly as
// ublk.DeviceParams.Backend.
type Mapping = mapping.Mapping

// ParseLine decodes a dm-crypt-style table line into a Config. underlying
// and metadata are the already-open backends the line's device path and
// any integrity sideband channel refer to; kr resolves keyring-reference
// key tokens (nil is fine when the line only ever uses inline-hex or "-"
// key tokens).
func ParseLine(line string, underlying, metadata interfaces.Backend, kr keyring.Source) (*Config, error) {
	return mapping.ParseLine(line, underlying, metadata, kr)
}

// New constructs a running Mapping from cfg.
func New(cfg *Config) (*Mapping, error) {
	return mapping.New(cfg)
}

// NewFromLine is the common-case constructor: parse a table line and
// construct the mapping in one call.
func NewFromLine(line string, underlying, metadata interfaces.Backend, kr keyring.Source) (*Mapping, error) {
	cfg, err := ParseLine(line, underlying, metadata, kr)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}
