package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "SKILLSYNC"

const (
	keyAddr            = "addr"
	keyLocalLedgerDSN  = "local_ledger_dsn"
	keyCloudLedgerDSN  = "cloud_ledger_dsn"
	keyProductionDSN   = "production_dsn"
	keyBackendURL      = "backend_url"
	keyBackendToken    = "backend_token"
	keyMapsFile        = "maps_file"
	keySourceURL       = "source_url"
	keySourceStatus    = "source_status"
	keySyncTimeout     = "sync_timeout"
	keyJWTSecret       = "jwt_secret"
	keyRateLimitMax    = "rate_limit_max"
	keyRateLimitWindow = "rate_limit_window"
	keyMaxBodyBytes    = "max_body_bytes"
	keyDebug           = "debug"
	keyOTelEnabled     = "otel_enabled"
	keyOTelStdout      = "otel_stdout"
	keyDebugFlags      = "debug_flags"
	keyStorageProfile  = "storage_profile"
	keyDataDir         = "data_dir"
	keyFeedOrigins     = "feed_origins"
)

type config struct {
	Addr            string
	LocalLedgerDSN  string
	CloudLedgerDSN  string
	BackendURL      string
	BackendToken    string
	MapsFile        string
	SourceURL       string
	SourceStatus    string
	SyncTimeout     time.Duration
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Debug           bool
	OTelEnabled     bool
	OTelStdout      bool
	DebugFlags      string
	FeedOrigins     []string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault(keyAddr, ":8080")
	v.SetDefault(keyBackendURL, "http://127.0.0.1:8081")
	v.SetDefault(keySourceStatus, "unknown")
	v.SetDefault(keySyncTimeout, "10s")
	v.SetDefault(keyRateLimitWindow, "1m")
	v.SetDefault(keyDataDir, ".skillsync")
	return v
}

func loadConfig(v *viper.Viper, logger *zap.Logger) (config, error) {
	localDSN, cloudDSN, err := storageProfileDefaults(
		v.GetString(keyStorageProfile),
		v.GetString(keyDataDir),
		v.GetString(keyProductionDSN),
	)
	if err != nil {
		return config{}, err
	}
	if dsn := strings.TrimSpace(v.GetString(keyLocalLedgerDSN)); dsn != "" {
		localDSN = dsn
	}
	if dsn := strings.TrimSpace(v.GetString(keyCloudLedgerDSN)); dsn != "" {
		cloudDSN = dsn
	}
	if localDSN == "" {
		localDSN = "memory://"
	}
	if cloudDSN == "" {
		cloudDSN = "memory://"
	}

	return config{
		Addr:            strings.TrimSpace(v.GetString(keyAddr)),
		LocalLedgerDSN:  localDSN,
		CloudLedgerDSN:  cloudDSN,
		BackendURL:      strings.TrimSpace(v.GetString(keyBackendURL)),
		BackendToken:    strings.TrimSpace(v.GetString(keyBackendToken)),
		MapsFile:        strings.TrimSpace(v.GetString(keyMapsFile)),
		SourceURL:       strings.TrimSpace(v.GetString(keySourceURL)),
		SourceStatus:    v.GetString(keySourceStatus),
		SyncTimeout:     durationSetting(v, logger, keySyncTimeout, 10*time.Second),
		JWTSecret:       v.GetString(keyJWTSecret),
		RateLimitMax:    intSetting(v, logger, keyRateLimitMax, 0),
		RateLimitWindow: durationSetting(v, logger, keyRateLimitWindow, time.Minute),
		MaxBodyBytes:    int64Setting(v, logger, keyMaxBodyBytes, 0),
		Debug:           boolSetting(v, logger, keyDebug, false),
		OTelEnabled:     boolSetting(v, logger, keyOTelEnabled, false),
		OTelStdout:      boolSetting(v, logger, keyOTelStdout, false),
		DebugFlags:      v.GetString(keyDebugFlags),
		FeedOrigins:     splitList(v.GetString(keyFeedOrigins)),
	}, nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(key)
}

func intSetting(v *viper.Viper, logger *zap.Logger, key string, fallback int) int {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid setting, using fallback", zap.String("env", envName(key)), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Setting(v *viper.Viper, logger *zap.Logger, key string, fallback int64) int64 {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid setting, using fallback", zap.String("env", envName(key)), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func durationSetting(v *viper.Viper, logger *zap.Logger, key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid setting, using fallback", zap.String("env", envName(key)), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func boolSetting(v *viper.Viper, logger *zap.Logger, key string, fallback bool) bool {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid setting, using fallback", zap.String("env", envName(key)), zap.String("value", raw), zap.Bool("fallback", fallback))
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// storageProfileDefaults maps a storage profile to local and cloud ledger
// DSNs. Explicit DSN settings override these.
func storageProfileDefaults(profile, dataDir, productionDSN string) (localDSN, cloudDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".skillsync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "local-ledger.json"),
			"file://" + filepath.Join(dataDir, "cloud-ledgers.json"),
			nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return "", "", fmt.Errorf("%s is required when %s=%s", envName(keyProductionDSN), envName(keyStorageProfile), profile)
		}
		return "file://" + filepath.Join(dataDir, "local-ledger.json"), productionDSN, nil
	default:
		return "", "", fmt.Errorf("unsupported %s: %s", envName(keyStorageProfile), profile)
	}
}
