// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads this core's YAML configuration file into a
// single Config struct, covering the items spec.md §6 enumerates
// except requireOOB, which has no setting here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be parsed from a YAML string
// like "24h" rather than a raw integer count of nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Challenges enables or disables each challenge type this core can
// offer. None of them performs external validation: an auto challenge
// always succeeds when updated, and the other types are marked invalid.
type Challenges struct {
	HTTPChallenge   bool `yaml:"httpChallenge"`
	DNSChallenge    bool `yaml:"dnsChallenge"`
	TLSSNIChallenge bool `yaml:"tlssniChallenge"`
	AutoChallenge   bool `yaml:"autoChallenge"`
}

// Config is this core's complete configuration surface.
type Config struct {
	BasePath string `yaml:"basePath"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`

	// AcmeVersion selects the protocol dialect: "ietf-draft" or "le"
	// (legacy).
	AcmeVersion string `yaml:"acmeVersion"`

	AuthzExpirySeconds  int64 `yaml:"authzExpirySeconds"`
	MaxValiditySeconds  int64 `yaml:"maxValiditySeconds"`
	MaxNames            int   `yaml:"maxNames"`

	AllowedExtensions    []string `yaml:"allowedExtensions"`
	ScopedAuthorizations bool     `yaml:"scopedAuthorizations"`

	// AllowOrigins lists the Origins this core's CORS preflight handling
	// will echo back in Access-Control-Allow-Origin. "*" allows any.
	AllowOrigins []string `yaml:"allowOrigins"`

	Challenges Challenges `yaml:"challenges"`

	CAKey  string `yaml:"caKey"`
	CACert string `yaml:"caCert"`

	Terms string `yaml:"terms"`

	ListenAddress string `yaml:"listenAddress"`

	DebugAddr string `yaml:"debugAddr"`
}

// AuthzExpiry is AuthzExpirySeconds as a time.Duration.
func (c Config) AuthzExpiry() time.Duration {
	return time.Duration(c.AuthzExpirySeconds) * time.Second
}

// MaxValidity is MaxValiditySeconds as a time.Duration.
func (c Config) MaxValidity() time.Duration {
	return time.Duration(c.MaxValiditySeconds) * time.Second
}

// IsLegacy reports whether AcmeVersion selects the pre-standard dialect.
func (c Config) IsLegacy() bool {
	return c.AcmeVersion == "le"
}

// Default fills in the values this core relies on having a sane
// fallback for, so an operator's config file only needs to state what
// it wants to change.
func Default() Config {
	return Config{
		BasePath:           "",
		Host:               "localhost",
		Port:               4000,
		AcmeVersion:        "ietf-draft",
		AuthzExpirySeconds: 86400,
		MaxValiditySeconds: 365 * 24 * 3600,
		MaxNames:           100,
		Challenges: Challenges{
			AutoChallenge: true,
		},
		ListenAddress: ":4000",
	}
}

// Load reads and parses a YAML config file at path, applying Default
// first so unset fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}
