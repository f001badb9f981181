// Package config collects and serves process-wide configuration for the
// fleet orchestrator. It:
//  1. reads operational settings from the environment (via godotenv),
//  2. loads the fleet definition (accounts, rotation policy, forwarding and
//     archive settings) from a JSON document named by FLEET_CONFIG_FILE,
//  3. normalizes and validates input, accumulating warnings for recoverable
//     problems instead of failing the whole process,
//  4. exposes the result through a package-level singleton guarded by an
//     RWMutex, mirroring the loader this codebase's reference app uses for
//     its own environment configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig holds the operational knobs that come from the environment: where
// state lives on disk, default log level and rate limits, and the path to the
// fleet's JSON configuration document.
type EnvConfig struct {
	LogLevel         string
	LogFile          string
	StateDir         string
	FleetConfigFile  string
	ThrottleRPS      int
	DedupWindowSec   int
	AppTimezone      string
	PeersCacheFile   string
	StoreFile        string
	InviteStoreFile  string
}

// Config is the loaded, validated configuration snapshot.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultLogLevel        = "info"
	defaultLogFile         = ""
	defaultStateDir        = "data"
	defaultFleetConfigFile = "fleet.json"
	defaultThrottleRPS     = 1
	defaultDedupWindowSec  = 120
	defaultAppTimezone     = "UTC"
	defaultPeersCacheFile  = "data/peers_cache.bbolt"
	defaultStoreFile       = "data/spectra.db"
	defaultInviteStoreFile = "data/invites.bbolt"
)

var (
	cfgInstance *Config
	cfgDone     bool
	cfgMu       sync.Mutex
)

// Load is the entry point for initializing the global configuration. It
// reads the .env file at envPath (if it exists), builds an EnvConfig, and
// fixes the result into the package singleton. A second call returns an
// error; config loading is a one-shot operation performed at process start.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig performs the actual load/validation without touching global
// state, so tests can build a throwaway Config and inspect it directly.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envPath, err)
		}
	}

	var warnings []string

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	logFile := sanitizeFile("LOG_FILE", os.Getenv("LOG_FILE"), defaultLogFile, &warnings)
	stateDir := sanitizeFile("STATE_DIR", os.Getenv("STATE_DIR"), defaultStateDir, &warnings)
	fleetConfigFile := sanitizeFile("FLEET_CONFIG_FILE", os.Getenv("FLEET_CONFIG_FILE"), defaultFleetConfigFile, &warnings)
	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	dedupWindow := parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, nonNegative, &warnings)
	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	peersCacheFile := sanitizeFile("PEERS_CACHE_FILE", os.Getenv("PEERS_CACHE_FILE"), defaultPeersCacheFile, &warnings)
	storeFile := sanitizeFile("STORE_FILE", os.Getenv("STORE_FILE"), defaultStoreFile, &warnings)
	inviteStoreFile := sanitizeFile("INVITE_STORE_FILE", os.Getenv("INVITE_STORE_FILE"), defaultInviteStoreFile, &warnings)

	env := EnvConfig{
		LogLevel:        logLevel,
		LogFile:         logFile,
		StateDir:        stateDir,
		FleetConfigFile: fleetConfigFile,
		ThrottleRPS:     throttleRPS,
		DedupWindowSec:  dedupWindow,
		AppTimezone:     appTimezone,
		PeersCacheFile:  peersCacheFile,
		StoreFile:       storeFile,
		InviteStoreFile: inviteStoreFile,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings returns the warnings accumulated while loading the environment
// (e.g. whenever a default value was substituted). Returns a copy.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env returns the EnvConfig from the global singleton. It is an immutable
// snapshot as of the last Load call.
func Env() EnvConfig {
	return cfgInstance.Env
}

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel normalizes LOG_LEVEL to one of {debug, info, warn, error}.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

// sanitizeFile returns a valid file path. If value is unset, it substitutes
// fallback and records a warning. An empty fallback (e.g. LOG_FILE's "no
// file logging") is accepted without a warning.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		if fallback != "" {
			appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		}
		return fallback
	}
	return v
}

// ParseLocation parses either an IANA timezone name (e.g. "Europe/Moscow") or
// a UTC offset (e.g. "+03:00", "-0700", "UTC+3", "GMT-04:30").
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	if loc, ok := parseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}

func parseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)
	re := regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)
	m := re.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		var err2 error
		mins, err2 = strconv.Atoi(m[3])
		if err2 != nil {
			return nil, false
		}
	}
	if hours < 0 || hours > 14 || mins < 0 || mins > 59 {
		return nil, false
	}
	offset := sign * ((hours * 60 * 60) + (mins * 60))
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}
