package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "underscored.json", `{
		"chain": {"weth": "0x4200000000000000000000000000000000000006"},
		"registry": {"governor": "0x00000000000000000000000000000000000000f0"},
		"factory": {"address": "0x00000000000000000000000000000000000000fa", "trial_amount": "10"},
		"logging": {"audit": {"enabled": true}},
		"runtime": {"catalog_path": "catalog.yaml"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Events.Bus.Driver != "memory" || cfg.Storage.EventStore.Driver != "memory" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Factory.Governor != common.HexToAddress("0x00000000000000000000000000000000000000f0") {
		t.Fatalf("factory governor should default to the registry governor")
	}
	if cfg.Runtime.CatalogPath != filepath.Join(dir, "catalog.yaml") {
		t.Fatalf("catalog path not resolved: %s", cfg.Runtime.CatalogPath)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "data", "audit.log") {
		t.Fatalf("audit path not resolved: %s", cfg.Logging.Audit.Path)
	}
	if cfg.Wallet.LeftoverTolerance != nil {
		t.Fatalf("tolerance should stay unset")
	}
	amount, err := cfg.Factory.TrialAmountInt()
	if err != nil || amount.Int64() != 10 {
		t.Fatalf("trial amount: %v %v", amount, err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	base := `"chain": {"weth": "0x4200000000000000000000000000000000000006"},
		"registry": {"governor": "0x00000000000000000000000000000000000000f0"},
		"factory": {"address": "0x00000000000000000000000000000000000000fa"}`
	cases := map[string]string{
		"missing governor":   `{"chain": {"weth": "0x4200000000000000000000000000000000000006"}, "factory": {"address": "0x00000000000000000000000000000000000000fa"}}`,
		"bad bus driver":     `{` + base + `, "events": {"bus": {"driver": "kafka"}}}`,
		"bad trial amount":   `{"chain": {"weth": "0x4200000000000000000000000000000000000006"}, "registry": {"governor": "0x00000000000000000000000000000000000000f0"}, "factory": {"address": "0x00000000000000000000000000000000000000fa", "trial_amount": "-1"}}`,
		"delay out of range": `{"chain": {"weth": "0x4200000000000000000000000000000000000006"}, "registry": {"governor": "0x00000000000000000000000000000000000000f0", "change_delay": 5, "min_delay": 10}, "factory": {"address": "0x00000000000000000000000000000000000000fa"}}`,
		"malformed json":     `{`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "cfg.json", content)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/underscore.json")
	if got := ResolvePath(""); got != "/etc/underscore.json" {
		t.Fatalf("expected env path, got %q", got)
	}
	if got := ResolvePath("local.json"); got != "local.json" {
		t.Fatalf("flag should win, got %q", got)
	}
}

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte(`
assets:
  - symbol: USDC
    address: "0x0000000000000000000000000000000000000b01"
    decimals: 6
    price: "1.00"
    mint:
      - holder: "0x00000000000000000000000000000000000000fa"
        amount: "500"
  - symbol: DAI
    address: "0x0000000000000000000000000000000000000b02"
    decimals: 18
venues:
  - name: vault
    kind: vault
    address: "0x0000000000000000000000000000000000001001"
    opportunities:
      - asset: "0x0000000000000000000000000000000000000b01"
        vault: "0x0000000000000000000000000000000000002001"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	usdc := common.HexToAddress("0x0000000000000000000000000000000000000b01")
	prices := cat.Prices()
	if len(prices) != 1 || !prices[usdc].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected prices %v", prices)
	}
	if cat.Decimals()[usdc] != 6 || Amount(cat.Assets[0].Mint[0].Amount).Int64() != 500 {
		t.Fatalf("unexpected catalog %+v", cat)
	}
}

func TestParseCatalogErrors(t *testing.T) {
	cases := map[string]string{
		"bad asset address": "assets:\n  - symbol: X\n    address: nope\n",
		"duplicate asset":   "assets:\n  - symbol: A\n    address: \"0x0000000000000000000000000000000000000b01\"\n  - symbol: B\n    address: \"0x0000000000000000000000000000000000000b01\"\n",
		"bad price":         "assets:\n  - symbol: A\n    address: \"0x0000000000000000000000000000000000000b01\"\n    price: cheap\n",
		"unknown kind":      "venues:\n  - name: v\n    kind: lending\n    address: \"0x0000000000000000000000000000000000001001\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(content))
			if err == nil {
				t.Fatalf("expected error")
			}
			if strings.TrimSpace(err.Error()) == "" {
				t.Fatalf("empty error message")
			}
		})
	}
	cat, err := LoadCatalog("")
	if err != nil || len(cat.Assets) != 0 {
		t.Fatalf("empty path should yield empty catalog")
	}
}
