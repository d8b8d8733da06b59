// Package config resolves the agent's settings once at startup from an
// optional YAML file overlaid by JOBAGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"gopkg.in/yaml.v3"

	"github.com/jobagent/jobagent/internal/ledger"
)

const envPrefix = "JOBAGENT_"

// Content store backends.
const (
	ContentStoreIPFS  = "ipfs"
	ContentStoreLocal = "local"
)

type Config struct {
	DBPath string

	IndexURL    string
	RPCURL      string
	Marketplace ledger.Address
	// Sender is the worker account; nil means no signing capability.
	Sender   *ledger.Address
	ReadOnly bool

	ContentStore string
	IPFSAPIURL   string
	ContentDir   string

	MinAmount   *apd.Decimal
	AcceptTag   string
	CoolingOff  time.Duration
	BatchSize   int
	CyclePeriod time.Duration

	RequestTimeout    time.Duration
	RequestsPerSecond float64
	ConfirmTimeout    time.Duration
	GasLimit          uint64
	GasPriceWei       *big.Int

	GeneratorPath      string
	GeneratorModel     string
	DeliveryRecipients []string
	NotifyURL          string
	OriginateOnEmpty   bool

	LogLevel  slog.Level
	LogFormat string
}

// Simulated reports whether ledger transactions are simulated: read-only
// mode is set or no sender account is configured.
func (c *Config) Simulated() bool {
	return c.ReadOnly || c.Sender == nil
}

// fileKeys are the settings a config file may carry, by file key. Each
// maps to the environment variable JOBAGENT_<UPPER(key)>.
var fileKeys = map[string]bool{
	"db_path": true, "index_url": true, "rpc_url": true, "marketplace_address": true,
	"sender_address": true, "read_only": true, "content_store": true, "ipfs_api_url": true,
	"content_dir": true, "min_amount": true, "accept_tag": true, "cooling_off": true,
	"batch_size": true, "cycle_period": true, "request_timeout": true,
	"requests_per_second": true, "confirm_timeout": true, "gas_limit": true,
	"gas_price_wei": true, "generator_path": true, "generator_model": true,
	"delivery_recipients": true, "notify_url": true, "originate_on_empty": true,
	"log_level": true, "log_format": true,
}

// Load reads the file named by JOBAGENT_CONFIG, if any, then the environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(envPrefix + "CONFIG"))
}

// LoadFrom is Load with an explicit config file path. An empty path
// means environment only.
func LoadFrom(path string) (*Config, error) {
	src := source{}
	if path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		DBPath:         src.get("DB_PATH", "agent.db"),
		IndexURL:       src.get("INDEX_URL", ""),
		RPCURL:         src.get("RPC_URL", ""),
		ContentStore:   src.get("CONTENT_STORE", ContentStoreIPFS),
		IPFSAPIURL:     src.get("IPFS_API_URL", "http://127.0.0.1:5001"),
		ContentDir:     src.get("CONTENT_DIR", "content"),
		AcceptTag:      src.get("ACCEPT_TAG", "DO"),
		GeneratorPath:  src.get("GENERATOR_PATH", ""),
		GeneratorModel: src.get("GENERATOR_MODEL", ""),
		NotifyURL:      src.get("NOTIFY_URL", ""),
		LogFormat:      src.get("LOG_FORMAT", "json"),
	}

	if cfg.IndexURL == "" {
		return nil, errors.New("JOBAGENT_INDEX_URL must not be empty")
	}

	raw := src.get("MARKETPLACE_ADDRESS", "")
	if raw == "" {
		return nil, errors.New("JOBAGENT_MARKETPLACE_ADDRESS must not be empty")
	}
	var err error
	if cfg.Marketplace, err = ledger.ParseAddress(raw); err != nil {
		return nil, fmt.Errorf("JOBAGENT_MARKETPLACE_ADDRESS: %w", err)
	}
	if raw := src.get("SENDER_ADDRESS", ""); raw != "" {
		sender, err := ledger.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("JOBAGENT_SENDER_ADDRESS: %w", err)
		}
		cfg.Sender = &sender
	}
	if cfg.ReadOnly, err = src.getBool("READ_ONLY", false); err != nil {
		return nil, err
	}
	if !cfg.Simulated() && cfg.RPCURL == "" {
		return nil, errors.New("JOBAGENT_RPC_URL must not be empty when JOBAGENT_SENDER_ADDRESS is set and JOBAGENT_READ_ONLY is false")
	}

	switch cfg.ContentStore {
	case ContentStoreIPFS, ContentStoreLocal:
	default:
		return nil, fmt.Errorf("JOBAGENT_CONTENT_STORE %q must be one of: ipfs, local", cfg.ContentStore)
	}

	minAmount := src.get("MIN_AMOUNT", "100")
	if cfg.MinAmount, _, err = apd.NewFromString(minAmount); err != nil {
		return nil, fmt.Errorf("JOBAGENT_MIN_AMOUNT: invalid decimal %q", minAmount)
	}
	if cfg.MinAmount.Form != apd.Finite || cfg.MinAmount.Negative {
		return nil, fmt.Errorf("JOBAGENT_MIN_AMOUNT %q must be a non-negative number", minAmount)
	}

	if cfg.CoolingOff, err = src.getDuration("COOLING_OFF", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CoolingOff < 0 {
		return nil, errors.New("JOBAGENT_COOLING_OFF must not be negative")
	}
	if cfg.BatchSize, err = src.getInt("BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New("JOBAGENT_BATCH_SIZE must be > 0")
	}
	if cfg.CyclePeriod, err = src.getDuration("CYCLE_PERIOD", time.Minute); err != nil {
		return nil, err
	}
	if cfg.CyclePeriod <= 0 {
		return nil, errors.New("JOBAGENT_CYCLE_PERIOD must be > 0")
	}

	if cfg.RequestTimeout, err = src.getDuration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConfirmTimeout, err = src.getDuration("CONFIRM_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	rps := src.get("REQUESTS_PER_SECOND", "5")
	if cfg.RequestsPerSecond, err = strconv.ParseFloat(rps, 64); err != nil || cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("JOBAGENT_REQUESTS_PER_SECOND: invalid rate %q", rps)
	}
	gasLimit := src.get("GAS_LIMIT", "800000")
	if cfg.GasLimit, err = strconv.ParseUint(gasLimit, 10, 64); err != nil || cfg.GasLimit == 0 {
		return nil, fmt.Errorf("JOBAGENT_GAS_LIMIT: invalid gas limit %q", gasLimit)
	}
	gasPrice := src.get("GAS_PRICE_WEI", "1000000000")
	price, ok := new(big.Int).SetString(gasPrice, 10)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("JOBAGENT_GAS_PRICE_WEI: invalid price %q", gasPrice)
	}
	cfg.GasPriceWei = price

	for _, r := range strings.Split(src.get("DELIVERY_RECIPIENTS", ""), ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.DeliveryRecipients = append(cfg.DeliveryRecipients, r)
		}
	}
	if cfg.OriginateOnEmpty, err = src.getBool("ORIGINATE_ON_EMPTY", false); err != nil {
		return nil, err
	}

	level := src.get("LOG_LEVEL", "info")
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("JOBAGENT_LOG_LEVEL: invalid level %q", level)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("JOBAGENT_LOG_FORMAT %q must be one of: json, text", cfg.LogFormat)
	}

	return cfg, nil
}

// readFile parses a YAML config file into environment-variable names.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	var unknown []string
	for k, v := range raw {
		if !fileKeys[k] {
			unknown = append(unknown, k)
			continue
		}
		var s string
		switch v := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, len(v))
			for i, p := range v {
				parts[i] = fmt.Sprint(p)
			}
			s = strings.Join(parts, ",")
		default:
			s = fmt.Sprint(v)
		}
		out[envPrefix+strings.ToUpper(k)] = s
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(unknown, ", "))
	}
	return out, nil
}

// source resolves a setting from the environment first, then the file.
type source struct {
	file map[string]string
}

func (s source) get(name, fallback string) string {
	key := envPrefix + name
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := s.file[key]; v != "" {
		return v
	}
	return fallback
}

func (s source) getInt(name string, fallback int) (int, error) {
	v := s.get(name, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid integer %q", envPrefix, name, v)
	}
	return n, nil
}

func (s source) getBool(name string, fallback bool) (bool, error) {
	v := s.get(name, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s%s: invalid boolean %q", envPrefix, name, v)
	}
	return b, nil
}

func (s source) getDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := s.get(name, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid duration %q", envPrefix, name, v)
	}
	return d, nil
}
