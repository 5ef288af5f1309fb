// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads process-level settings from the environment, per
// spec.md section 6: listen ports, the storage DSN, the sweep interval, and
// admin bootstrap credentials.
package config

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fleetwatch/internal/apperrors"
)

// ProtocolPorts holds a port setting for each of the eight supported
// protocols, per spec.md section 4.1's framing table. The gateway does not
// read these values: each decoder listens on its own package Port constant,
// so the FLEETWATCH_PORT_* overrides do not change the listen ports.
type ProtocolPorts struct {
	Teltonika int
	GT06      int
	H02       int
	TK103     int
	Meitrack  int
	Queclink  int
	Flespi    int
	OsmAnd    int
}

// Config is the full set of process-level settings.
type Config struct {
	Ports ProtocolPorts

	// StorePath is the sqlite database file path.
	StorePath string

	// HTTPAddr is the bind address of the introspection HTTP surface.
	HTTPAddr string

	// SweepInterval is how often the alert engine's periodic sweep runs,
	// per spec.md section 4.4.
	SweepInterval time.Duration

	// NotificationTimeout is loaded from the environment but not read by the
	// notification handlers, which use fixed client timeouts (10s webhook,
	// 15s voice call).
	NotificationTimeout time.Duration

	// AdminUsername and AdminPasswordHash bootstrap the first admin account.
	// AdminPasswordHash is a bcrypt hash, never a plaintext password.
	AdminUsername     string
	AdminPasswordHash string

	// Feature toggles, per spec.md section 6. EnableWebSockets is loaded but
	// not read: the HTTP surface always serves its WebSocket route.
	EnableWebSockets    bool
	EnableNotifications bool
	EnableCommandQueue  bool
}

// Default returns the baseline configuration before any environment
// overrides are applied.
func Default() Config {
	return Config{
		Ports: ProtocolPorts{
			Teltonika: 5027,
			GT06:      5023,
			H02:       5013,
			TK103:     5001,
			Meitrack:  5020,
			Queclink:  5026,
			Flespi:    5149,
			OsmAnd:    5055,
		},
		StorePath:           "fleetwatch.db",
		HTTPAddr:            ":8080",
		SweepInterval:       60 * time.Second,
		NotificationTimeout: 10 * time.Second,
		AdminUsername:       "admin",
		EnableWebSockets:    true,
		EnableNotifications: true,
		EnableCommandQueue:  true,
	}
}

// FromEnv returns Default() with every FLEETWATCH_-prefixed environment
// variable applied on top.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.Ports.Teltonika = envInt("FLEETWATCH_PORT_TELTONIKA", cfg.Ports.Teltonika)
	cfg.Ports.GT06 = envInt("FLEETWATCH_PORT_GT06", cfg.Ports.GT06)
	cfg.Ports.H02 = envInt("FLEETWATCH_PORT_H02", cfg.Ports.H02)
	cfg.Ports.TK103 = envInt("FLEETWATCH_PORT_TK103", cfg.Ports.TK103)
	cfg.Ports.Meitrack = envInt("FLEETWATCH_PORT_MEITRACK", cfg.Ports.Meitrack)
	cfg.Ports.Queclink = envInt("FLEETWATCH_PORT_QUECLINK", cfg.Ports.Queclink)
	cfg.Ports.Flespi = envInt("FLEETWATCH_PORT_FLESPI", cfg.Ports.Flespi)
	cfg.Ports.OsmAnd = envInt("FLEETWATCH_PORT_OSMAND", cfg.Ports.OsmAnd)

	cfg.StorePath = envString("FLEETWATCH_STORE_PATH", cfg.StorePath)
	cfg.HTTPAddr = envString("FLEETWATCH_HTTP_ADDR", cfg.HTTPAddr)
	cfg.SweepInterval = envDuration("FLEETWATCH_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.NotificationTimeout = envDuration("FLEETWATCH_NOTIFICATION_TIMEOUT", cfg.NotificationTimeout)

	cfg.AdminUsername = envString("FLEETWATCH_ADMIN_USERNAME", cfg.AdminUsername)
	if pw := os.Getenv("FLEETWATCH_ADMIN_PASSWORD"); pw != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			return cfg, apperrors.Wrap(err, apperrors.KindConfig, "config: hash admin password")
		}
		cfg.AdminPasswordHash = string(hash)
	}

	cfg.EnableWebSockets = envBool("FLEETWATCH_ENABLE_WEBSOCKETS", cfg.EnableWebSockets)
	cfg.EnableNotifications = envBool("FLEETWATCH_ENABLE_NOTIFICATIONS", cfg.EnableNotifications)
	cfg.EnableCommandQueue = envBool("FLEETWATCH_ENABLE_COMMAND_QUEUE", cfg.EnableCommandQueue)

	return cfg, nil
}

// VerifyAdminPassword checks a plaintext password against the bootstrapped
// admin hash.
func (c Config) VerifyAdminPassword(password string) bool {
	if c.AdminPasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.AdminPasswordHash), []byte(password)) == nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
