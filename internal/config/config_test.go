package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testMarketplace = "0x00000000000000000000000000000000000000c0"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JOBAGENT_CONFIG", "")
	t.Setenv("JOBAGENT_INDEX_URL", "http://index.local/graphql")
	t.Setenv("JOBAGENT_MARKETPLACE_ADDRESS", testMarketplace)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.DBPath != "agent.db" {
		t.Errorf("DBPath = %q, want agent.db", cfg.DBPath)
	}
	if cfg.Marketplace.String() != testMarketplace {
		t.Errorf("Marketplace = %s", cfg.Marketplace)
	}
	if !cfg.Simulated() {
		t.Error("Simulated() = false without a sender, want true")
	}
	if cfg.MinAmount.String() != "100" {
		t.Errorf("MinAmount = %s, want 100", cfg.MinAmount)
	}
	if cfg.AcceptTag != "DO" {
		t.Errorf("AcceptTag = %q, want DO", cfg.AcceptTag)
	}
	if cfg.CoolingOff != 2*time.Minute {
		t.Errorf("CoolingOff = %s, want 2m", cfg.CoolingOff)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.BatchSize)
	}
	if cfg.CyclePeriod != time.Minute {
		t.Errorf("CyclePeriod = %s, want 1m", cfg.CyclePeriod)
	}
	if cfg.ContentStore != ContentStoreIPFS || cfg.IPFSAPIURL != "http://127.0.0.1:5001" {
		t.Errorf("content store = %q at %q", cfg.ContentStore, cfg.IPFSAPIURL)
	}
	if cfg.GasLimit != 800000 || cfg.GasPriceWei.String() != "1000000000" {
		t.Errorf("gas = %d @ %s", cfg.GasLimit, cfg.GasPriceWei)
	}
	if cfg.RequestsPerSecond != 5 {
		t.Errorf("RequestsPerSecond = %v, want 5", cfg.RequestsPerSecond)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "json" {
		t.Errorf("log = %v/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoad_LiveMode(t *testing.T) {
	setRequired(t)
	t.Setenv("JOBAGENT_SENDER_ADDRESS", "0x00000000000000000000000000000000000000f0")
	t.Setenv("JOBAGENT_RPC_URL", "http://node.local:8545")
	t.Setenv("JOBAGENT_MIN_AMOUNT", "12.5")
	t.Setenv("JOBAGENT_DELIVERY_RECIPIENTS", "age1aaa, age1bbb,,")
	t.Setenv("JOBAGENT_LOG_LEVEL", "debug")
	t.Setenv("JOBAGENT_CONTENT_STORE", "local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Simulated() {
		t.Error("Simulated() = true with sender and RPC, want false")
	}
	if cfg.Sender == nil || cfg.Sender.String() != "0x00000000000000000000000000000000000000f0" {
		t.Errorf("Sender = %v", cfg.Sender)
	}
	if cfg.MinAmount.String() != "12.5" {
		t.Errorf("MinAmount = %s, want 12.5", cfg.MinAmount)
	}
	if len(cfg.DeliveryRecipients) != 2 || cfg.DeliveryRecipients[1] != "age1bbb" {
		t.Errorf("DeliveryRecipients = %v", cfg.DeliveryRecipients)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoad_ReadOnlyForcesSimulation(t *testing.T) {
	setRequired(t)
	t.Setenv("JOBAGENT_SENDER_ADDRESS", "0x00000000000000000000000000000000000000f0")
	t.Setenv("JOBAGENT_READ_ONLY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !cfg.Simulated() {
		t.Error("Simulated() = false in read-only mode, want true")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing index url", map[string]string{"JOBAGENT_INDEX_URL": ""}},
		{"missing marketplace", map[string]string{"JOBAGENT_MARKETPLACE_ADDRESS": ""}},
		{"bad marketplace", map[string]string{"JOBAGENT_MARKETPLACE_ADDRESS": "0x1234"}},
		{"bad sender", map[string]string{"JOBAGENT_SENDER_ADDRESS": "me"}},
		{"live without rpc", map[string]string{"JOBAGENT_SENDER_ADDRESS": "0x00000000000000000000000000000000000000f0"}},
		{"bad read only", map[string]string{"JOBAGENT_READ_ONLY": "maybe"}},
		{"bad content store", map[string]string{"JOBAGENT_CONTENT_STORE": "s3"}},
		{"bad min amount", map[string]string{"JOBAGENT_MIN_AMOUNT": "lots"}},
		{"negative min amount", map[string]string{"JOBAGENT_MIN_AMOUNT": "-1"}},
		{"bad cooling off", map[string]string{"JOBAGENT_COOLING_OFF": "soon"}},
		{"zero batch", map[string]string{"JOBAGENT_BATCH_SIZE": "0"}},
		{"bad batch", map[string]string{"JOBAGENT_BATCH_SIZE": "ten"}},
		{"zero period", map[string]string{"JOBAGENT_CYCLE_PERIOD": "0s"}},
		{"bad rate", map[string]string{"JOBAGENT_REQUESTS_PER_SECOND": "-2"}},
		{"bad gas price", map[string]string{"JOBAGENT_GAS_PRICE_WEI": "1.5"}},
		{"bad log level", map[string]string{"JOBAGENT_LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"JOBAGENT_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	t.Setenv("JOBAGENT_INDEX_URL", "")
	t.Setenv("JOBAGENT_MARKETPLACE_ADDRESS", "")
	path := writeConfig(t, `
index_url: http://from-file/graphql
marketplace_address: `+testMarketplace+`
min_amount: 250
cooling_off: 5m
batch_size: 10
delivery_recipients:
  - age1one
  - age1two
originate_on_empty: true
`)
	t.Setenv("JOBAGENT_CONFIG", path)
	t.Setenv("JOBAGENT_BATCH_SIZE", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.IndexURL != "http://from-file/graphql" {
		t.Errorf("IndexURL = %q", cfg.IndexURL)
	}
	if cfg.MinAmount.String() != "250" {
		t.Errorf("MinAmount = %s, want 250", cfg.MinAmount)
	}
	if cfg.CoolingOff != 5*time.Minute {
		t.Errorf("CoolingOff = %s, want 5m", cfg.CoolingOff)
	}
	if cfg.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want env override 20", cfg.BatchSize)
	}
	if strings.Join(cfg.DeliveryRecipients, ",") != "age1one,age1two" {
		t.Errorf("DeliveryRecipients = %v", cfg.DeliveryRecipients)
	}
	if !cfg.OriginateOnEmpty {
		t.Error("OriginateOnEmpty = false, want true")
	}
}

func TestLoadFrom_FileErrors(t *testing.T) {
	setRequired(t)

	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	_, err := LoadFrom(writeConfig(t, "index_url: x\nlisten_addr: :8080\n"))
	if err == nil || !strings.Contains(err.Error(), "listen_addr") {
		t.Errorf("expected unknown key error, got %v", err)
	}
	if _, err := LoadFrom(writeConfig(t, "index_url: [unterminated\n")); err == nil {
		t.Error("expected parse error")
	}
}
