package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "TANDAS_"

// settings are the process level options that do not belong to core.Config.
type settings struct {
	Addr         string
	DBDriver     string
	DBDSN        string
	DBDebug      bool
	ReturnURL    string
	TargetOrigin string
	ShutdownWait time.Duration
}

// loadDotEnv reads .env files when present. Variables already set in the
// environment win.
func loadDotEnv(files ...string) error {
	existing := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func loadSettings() (settings, error) {
	out := settings{
		Addr:         envString("ADDR", ":8080"),
		DBDriver:     strings.ToLower(envString("DB_DRIVER", "")),
		DBDSN:        envString("DB_DSN", ""),
		ReturnURL:    envString("RETURN_URL", "/"),
		TargetOrigin: envString("APP_ORIGIN", ""),
		ShutdownWait: 10 * time.Second,
	}
	debug, err := parseOptionalBool(envPrefix + "DB_DEBUG")
	if err != nil {
		return settings{}, err
	}
	if debug != nil {
		out.DBDebug = *debug
	}
	wait, err := parseOptionalDuration(envPrefix + "SHUTDOWN_TIMEOUT")
	if err != nil {
		return settings{}, err
	}
	if wait != nil && *wait > 0 {
		out.ShutdownWait = *wait
	}
	if out.DBDriver != "" && out.DBDSN == "" {
		return settings{}, fmt.Errorf("%sDB_DSN is required when %sDB_DRIVER is set", envPrefix, envPrefix)
	}
	return out, nil
}

// envConfigLoader maps TANDAS_* variables onto the core.Config key layout.
type envConfigLoader struct{}

type envKey struct {
	name string
	path []string
	kind string
}

var configKeys = []envKey{
	{name: "SERVICE_NAME", path: []string{"service_name"}, kind: "string"},
	{name: "LEDGER_MIN_PARTICIPANTS", path: []string{"ledger", "min_participants"}, kind: "int"},
	{name: "LEDGER_MAX_PARTICIPANTS", path: []string{"ledger", "max_participants"}, kind: "int"},
	{name: "LEDGER_AMOUNT_SCALE", path: []string{"ledger", "amount_scale"}, kind: "int"},
	{name: "SAGA_TTL", path: []string{"saga", "ttl"}, kind: "duration"},
	{name: "SAGA_CLAIM_TIMEOUT", path: []string{"saga", "claim_timeout"}, kind: "duration"},
	{name: "SAGA_CALLBACK_URL", path: []string{"saga", "callback_url"}, kind: "string"},
	{name: "SAGA_SWEEP_INTERVAL", path: []string{"saga", "sweep_interval"}, kind: "duration"},
	{name: "SAGA_SWEEP_BATCH", path: []string{"saga", "sweep_batch"}, kind: "int"},
	{name: "PAYOUTS_ENABLED", path: []string{"payouts", "enabled"}, kind: "bool"},
	{name: "PROTOCOL_PROVIDER", path: []string{"protocol", "provider"}, kind: "string"},
	{name: "PROTOCOL_WALLET_ADDRESS", path: []string{"protocol", "wallet_address"}, kind: "string"},
	{name: "PROTOCOL_KEY_ID", path: []string{"protocol", "key_id"}, kind: "string"},
	{name: "PROTOCOL_PRIVATE_KEY_PATH", path: []string{"protocol", "private_key_path"}, kind: "string"},
	{name: "PROTOCOL_TIMEOUT", path: []string{"protocol", "timeout"}, kind: "duration"},
	{name: "PROTOCOL_WALLET_CACHE_TTL", path: []string{"protocol", "wallet_cache_ttl"}, kind: "duration"},
	{name: "PROTOCOL_RETRY_MAX_ATTEMPTS", path: []string{"protocol", "retry", "max_attempts"}, kind: "int"},
	{name: "PROTOCOL_RETRY_BASE_DELAY", path: []string{"protocol", "retry", "base_delay"}, kind: "duration"},
	{name: "PROTOCOL_RETRY_MAX_DELAY", path: []string{"protocol", "retry", "max_delay"}, kind: "duration"},
	{name: "PROTOCOL_BREAKER_FAILURE_THRESHOLD", path: []string{"protocol", "breaker", "failure_threshold"}, kind: "int"},
	{name: "PROTOCOL_BREAKER_COOLDOWN", path: []string{"protocol", "breaker", "cooldown"}, kind: "duration"},
}

func (envConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	raw := map[string]any{}
	for _, key := range configKeys {
		name := envPrefix + key.name
		var (
			value any
			err   error
		)
		switch key.kind {
		case "int":
			var parsed *int
			parsed, err = parseOptionalInt(name)
			if parsed != nil {
				value = *parsed
			}
		case "duration":
			var parsed *time.Duration
			parsed, err = parseOptionalDuration(name)
			if parsed != nil {
				value = *parsed
			}
		case "bool":
			var parsed *bool
			parsed, err = parseOptionalBool(name)
			if parsed != nil {
				value = *parsed
			}
		default:
			if text := strings.TrimSpace(os.Getenv(name)); text != "" {
				value = text
			}
		}
		if err != nil {
			return nil, err
		}
		if value != nil {
			setPath(raw, key.path, value)
		}
	}
	return raw, nil
}

func setPath(root map[string]any, path []string, value any) {
	node := root
	for _, segment := range path[:len(path)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[segment] = child
		}
		node = child
	}
	node[path[len(path)-1]] = value
}

func envString(name string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(envPrefix + name)); value != "" {
		return value
	}
	return fallback
}

func parseOptionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func parseOptionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func parseOptionalBool(name string) (*bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &val, nil
}
