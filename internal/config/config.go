package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

type GatewayConfig struct {
	ListenAddr           string
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	AllowedOrigins       []string
	WindowSeconds        uint64
	HMACSecret           string
	DeviceSecrets        map[string]string
	DBDSN                string
	OracleKeypairPath    string
	AuthorityKeypairPath string
	MintKeypairPath      string
	TokenProgramID       solana.PublicKey
	MarketProgramID      solana.PublicKey
	FaucetLamports       uint64
	SubmitMaxRetries     int
	SubmitRetryBaseDelay time.Duration
	SubmitRetryMaxDelay  time.Duration
	Log                  LogConfig
}

type MeterSimConfig struct {
	GatewayURL       string
	Mode             string
	Devices          int
	ReportInterval   time.Duration
	HMACSecret       string
	PeakGenerationKW float64
	BaseLoadKW       float64
	Log              LogConfig
}

var (
	defaultTokenProgramID  = solana.MustPublicKeyFromBase58("6WnjPtMbz6ogoJg2PgGnbnyEW4uEmPV6EqzLQ4BqouPo")
	defaultMarketProgramID = solana.MustPublicKeyFromBase58("GpMobZUKPtEE1eiZQAADo2ecD54JXhNHPNts5kPGwLtb")
)

func LoadGatewayConfig() (GatewayConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return GatewayConfig{}, err
	}

	readTimeout, err := envDuration("GATEWAY_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}
	writeTimeout, err := envDuration("GATEWAY_WRITE_TIMEOUT", 15*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}
	idleTimeout, err := envDuration("GATEWAY_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}

	windowSeconds, err := envUint64("GATEWAY_WINDOW_SECONDS", 10)
	if err != nil {
		return GatewayConfig{}, err
	}
	if windowSeconds == 0 {
		return GatewayConfig{}, fmt.Errorf("invalid GATEWAY_WINDOW_SECONDS: must be > 0")
	}

	oracleKeypairPath, err := resolveKeypairPath("GATEWAY_ORACLE_KEYPAIR_PATH", filepath.Join(".local", "oracle-wallet.json"))
	if err != nil {
		return GatewayConfig{}, err
	}
	authorityKeypairPath, err := resolveKeypairPath("GATEWAY_AUTHORITY_KEYPAIR_PATH", filepath.Join(".local", "authority-wallet.json"))
	if err != nil {
		return GatewayConfig{}, err
	}
	mintKeypairPath, err := resolveKeypairPath("GATEWAY_MINT_KEYPAIR_PATH", filepath.Join(".local", "mint-keypair.json"))
	if err != nil {
		return GatewayConfig{}, err
	}

	tokenProgramID, err := envPubkey("ENERGY_TOKEN_PROGRAM_ID", defaultTokenProgramID)
	if err != nil {
		return GatewayConfig{}, err
	}
	marketProgramID, err := envPubkey("MARKET_PROGRAM_ID", defaultMarketProgramID)
	if err != nil {
		return GatewayConfig{}, err
	}

	faucetLamports, err := envUint64("GATEWAY_FAUCET_LAMPORTS", 10_000_000_000)
	if err != nil {
		return GatewayConfig{}, err
	}

	submitMaxRetries, err := envInt("GATEWAY_SUBMIT_MAX_RETRIES", 4)
	if err != nil {
		return GatewayConfig{}, err
	}
	submitRetryBaseDelay, err := envDuration("GATEWAY_SUBMIT_RETRY_BASE_DELAY", 200*time.Millisecond)
	if err != nil {
		return GatewayConfig{}, err
	}
	submitRetryMaxDelay, err := envDuration("GATEWAY_SUBMIT_RETRY_MAX_DELAY", 5*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}
	if submitRetryMaxDelay < submitRetryBaseDelay {
		return GatewayConfig{}, fmt.Errorf("invalid GATEWAY_SUBMIT_RETRY_MAX_DELAY: must be >= GATEWAY_SUBMIT_RETRY_BASE_DELAY")
	}

	allowedOrigins := parseCSVEnv(
		envOrDefault("GATEWAY_ALLOWED_ORIGINS", "*"),
		[]string{"*"},
	)

	deviceSecrets, err := parseKVEnv("GATEWAY_DEVICE_SECRETS")
	if err != nil {
		return GatewayConfig{}, err
	}

	return GatewayConfig{
		ListenAddr:           envOrDefault("GATEWAY_LISTEN_ADDR", ":8787"),
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		AllowedOrigins:       allowedOrigins,
		WindowSeconds:        windowSeconds,
		HMACSecret:           envOrDefault("GATEWAY_HMAC_SECRET", ""),
		DeviceSecrets:        deviceSecrets,
		DBDSN:                envOrDefault("GATEWAY_DB_DSN", ""),
		OracleKeypairPath:    oracleKeypairPath,
		AuthorityKeypairPath: authorityKeypairPath,
		MintKeypairPath:      mintKeypairPath,
		TokenProgramID:       tokenProgramID,
		MarketProgramID:      marketProgramID,
		FaucetLamports:       faucetLamports,
		SubmitMaxRetries:     submitMaxRetries,
		SubmitRetryBaseDelay: submitRetryBaseDelay,
		SubmitRetryMaxDelay:  submitRetryMaxDelay,
		Log:                  buildLogConfig("GATEWAY", "oracle-gateway"),
	}, nil
}

func LoadMeterSimConfig() (MeterSimConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return MeterSimConfig{}, err
	}

	mode := strings.ToLower(envOrDefault("METER_SIM_MODE", "v1"))
	switch mode {
	case "v0", "v1", "stream":
	default:
		return MeterSimConfig{}, fmt.Errorf("invalid METER_SIM_MODE: %q (expected v0|v1|stream)", mode)
	}

	devices, err := envInt("METER_SIM_DEVICES", 3)
	if err != nil {
		return MeterSimConfig{}, err
	}
	reportInterval, err := envDuration("METER_SIM_REPORT_INTERVAL", 10*time.Second)
	if err != nil {
		return MeterSimConfig{}, err
	}
	peakGeneration, err := envFloat64("METER_SIM_PEAK_GENERATION_KW", 5.0)
	if err != nil {
		return MeterSimConfig{}, err
	}
	baseLoad, err := envFloat64("METER_SIM_BASE_LOAD_KW", 0.8)
	if err != nil {
		return MeterSimConfig{}, err
	}

	return MeterSimConfig{
		GatewayURL:       envOrDefault("METER_SIM_GATEWAY_URL", "http://127.0.0.1:8787"),
		Mode:             mode,
		Devices:          devices,
		ReportInterval:   reportInterval,
		HMACSecret:       envOrDefault("METER_SIM_HMAC_SECRET", envOrDefault("GATEWAY_HMAC_SECRET", "")),
		PeakGenerationKW: peakGeneration,
		BaseLoadKW:       baseLoad,
		Log:              buildLogConfig("METER_SIM", "meter-sim"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".local", "log", serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func resolveKeypairPath(key, fallback string) (string, error) {
	raw := envOrDefault(key, fallback)
	expanded, err := expandHomePath(raw)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", key, err)
	}
	return expanded, nil
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envFloat64(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

// parseKVEnv reads a comma-separated list of device=secret pairs, e.g.
// "meter-001=s3cret,meter-002=0th3r".
func parseKVEnv(key string) (map[string]string, error) {
	raw := strings.TrimSpace(valueForKey(key))
	out := make(map[string]string)
	if raw == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		pair := strings.TrimSpace(part)
		if pair == "" {
			continue
		}
		name, value, found := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !found || name == "" || value == "" {
			return nil, fmt.Errorf("invalid %s: entry %q is not device=secret", key, pair)
		}
		out[name] = value
	}
	return out, nil
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
