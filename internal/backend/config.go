// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
)

// Lifetime is a policy for physical connections.
type Lifetime int

// Lifetime policies.
const (
	_ Lifetime = iota

	// LifetimePerOperation opens a physical connection per lease.
	LifetimePerOperation

	// LifetimeSharedSingleton shares one physical connection between all leases.
	LifetimeSharedSingleton

	// LifetimePooledTransient reuses a bounded set of physical connections.
	LifetimePooledTransient
)

// lifetimeNames are used for parsing and printing.
var lifetimeNames = map[Lifetime]string{
	LifetimePerOperation:    "per-operation",
	LifetimeSharedSingleton: "shared-singleton",
	LifetimePooledTransient: "pooled-transient",
}

// Lifetimes returns all valid lifetime names, for CLI help.
func Lifetimes() []string {
	return []string{"per-operation", "shared-singleton", "pooled-transient"}
}

// ParseLifetime parses lifetime name.
func ParseLifetime(s string) (Lifetime, error) {
	for l, name := range lifetimeNames {
		if name == s {
			return l, nil
		}
	}

	return 0, lazyerrors.Errorf("unknown lifetime %q", s)
}

// String implements [fmt.Stringer].
func (l Lifetime) String() string {
	if name, ok := lifetimeNames[l]; ok {
		return name
	}

	return fmt.Sprintf("Lifetime(%d)", int(l))
}

// TrackingMode is an identity map scope.
type TrackingMode int

// Tracking modes.
const (
	_ TrackingMode = iota

	// TrackAll deduplicates entities for the whole session.
	TrackAll

	// NoTracking deduplicates entities within a single load call only.
	NoTracking
)

// ParseTrackingMode parses tracking mode name.
func ParseTrackingMode(s string) (TrackingMode, error) {
	switch s {
	case "track-all":
		return TrackAll, nil
	case "no-tracking":
		return NoTracking, nil
	default:
		return 0, lazyerrors.Errorf("unknown tracking mode %q", s)
	}
}

// String implements [fmt.Stringer].
func (m TrackingMode) String() string {
	switch m {
	case TrackAll:
		return "track-all"
	case NoTracking:
		return "no-tracking"
	default:
		return fmt.Sprintf("TrackingMode(%d)", int(m))
	}
}

// Config represents store configuration.
//
// Zero values of most fields are replaced with defaults by [Config.WithDefaults].
type Config struct {
	Path               string
	Lifetime           Lifetime
	EncryptionPassword string
	PreOpen            bool
	Tracking           TrackingMode
	PoolSize           int
	BusyTimeout        time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	RejectOverlapping  bool
	StrictRelease      bool
}

// Default values.
const (
	DefaultPath         = "sqlitekit.db"
	DefaultPoolSize     = 4
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxRetries   = 5
	DefaultRetryBackoff = 10 * time.Millisecond
)

// WithDefaults returns a copy of config with zero values replaced by defaults.
//
// BusyTimeout and MaxRetries are not replaced: zero is a valid value for both,
// so callers should start from [DefaultConfig] if they want defaults.
func (c Config) WithDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}

	if c.Lifetime == 0 {
		c.Lifetime = LifetimePooledTransient
	}

	if c.Tracking == 0 {
		c.Tracking = TrackAll
	}

	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}

	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}

	return c
}

// DefaultConfig returns configuration with all defaults set.
func DefaultConfig() Config {
	return Config{
		BusyTimeout: DefaultBusyTimeout,
		MaxRetries:  DefaultMaxRetries,
	}.WithDefaults()
}

// Validate checks configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return lazyerrors.New("path is empty")
	}

	if _, ok := lifetimeNames[c.Lifetime]; !ok {
		return lazyerrors.Errorf("invalid lifetime %s", c.Lifetime)
	}

	if c.Tracking != TrackAll && c.Tracking != NoTracking {
		return lazyerrors.Errorf("invalid tracking mode %s", c.Tracking)
	}

	if c.EncryptionPassword != "" {
		return lazyerrors.New("encryption is not supported by modernc.org/sqlite driver")
	}

	if c.PoolSize <= 0 {
		return lazyerrors.Errorf("pool size must be positive, got %d", c.PoolSize)
	}

	if c.BusyTimeout < 0 {
		return lazyerrors.Errorf("busy timeout must not be negative, got %s", c.BusyTimeout)
	}

	if c.MaxRetries < 0 {
		return lazyerrors.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}

	if c.RetryBackoff < 0 {
		return lazyerrors.Errorf("retry backoff must not be negative, got %s", c.RetryBackoff)
	}

	return nil
}

// MarshalLogObject implements [zapcore.ObjectMarshaler].
//
// EncryptionPassword is never logged.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("path", c.Path)
	enc.AddString("lifetime", c.Lifetime.String())
	enc.AddBool("pre_open", c.PreOpen)
	enc.AddString("tracking", c.Tracking.String())
	enc.AddInt("pool_size", c.PoolSize)
	enc.AddDuration("busy_timeout", c.BusyTimeout)
	enc.AddInt("max_retries", c.MaxRetries)
	enc.AddDuration("retry_backoff", c.RetryBackoff)
	enc.AddBool("reject_overlapping", c.RejectOverlapping)
	enc.AddBool("strict_release", c.StrictRelease)

	return nil
}

// check interfaces
var (
	_ fmt.Stringer            = Lifetime(0)
	_ fmt.Stringer            = TrackingMode(0)
	_ zapcore.ObjectMarshaler = Config{}
)
