package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Backends []BackendConfig `toml:"backends"`
	Engine   EngineConfig    `toml:"engine"`
	Budget   BudgetConfig    `toml:"budget"`
	Sandbox  SandboxConfig   `toml:"sandbox"`
	Gateway  GatewayConfig   `toml:"gateway"`
	Wire     WireConfig      `toml:"wire"`
	Broker   BrokerConfig    `toml:"broker"`
	Observer ObserverConfig  `toml:"observer"`
}

// BackendConfig declares one LM backend in the router's registry. Kind
// selects the transport: "socket" dials a length-prefixed JSON socket
// speaking the LM-handler protocol, "echo" answers with its own prompt
// (smoke tests only).
type BackendConfig struct {
	Name    string `toml:"name"`
	Family  string `toml:"family"`
	Kind    string `toml:"kind"`
	Addr    string `toml:"addr"`
	APIKey  string `toml:"api_key"`
	Default bool   `toml:"default"`
}

type EngineConfig struct {
	MaxIterations    int    `toml:"max_iterations"`
	MaxErrors        int    `toml:"max_errors"`
	CompactThreshold int    `toml:"compact_threshold"`
	KeepRecent       int    `toml:"keep_recent"`
	RootModel        string `toml:"root_model"`
}

type BudgetConfig struct {
	MaxRootTokens int `toml:"max_root_tokens"`
	MaxSubTokens  int `toml:"max_sub_tokens"`
	MaxDepth      int `toml:"max_depth"`
}

type SandboxConfig struct {
	Tier           string `toml:"tier"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type GatewayConfig struct {
	AllowedRoots      []string `toml:"allowed_roots"`
	SessionTTLMinutes int      `toml:"session_ttl_minutes"`
	MaxReadBytes      int64    `toml:"max_read_bytes"`
	HTTPAddr          string   `toml:"http_addr"`
	AuthToken         string   `toml:"auth_token"`
}

type WireConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type BrokerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxIterations:    10,
			MaxErrors:        3,
			CompactThreshold: 50_000,
			KeepRecent:       2,
		},
		Budget:  BudgetConfig{MaxDepth: 3},
		Sandbox: SandboxConfig{Tier: "repl", TimeoutSeconds: 30},
		Gateway: GatewayConfig{
			SessionTTLMinutes: 30,
			MaxReadBytes:      1 << 20,
		},
		Broker: BrokerConfig{ListenAddr: "127.0.0.1:8274"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "relm.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("RELM_ROOT_MODEL"); v != "" {
		cfg.Engine.RootModel = v
	}
	if v := os.Getenv("RELM_GATEWAY_ROOTS"); v != "" {
		cfg.Gateway.AllowedRoots = splitList(v)
	}
	if v := os.Getenv("RELM_GATEWAY_HTTP_ADDR"); v != "" {
		cfg.Gateway.HTTPAddr = v
	}
	if v := os.Getenv("RELM_GATEWAY_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("RELM_WIRE_ADDR"); v != "" {
		cfg.Wire.ListenAddr = v
	}
	if v := os.Getenv("RELM_BROKER_ADDR"); v != "" {
		cfg.Broker.ListenAddr = v
	}
	if v := os.Getenv("RELM_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxIterations = n
		}
	}
	if v := os.Getenv("RELM_BACKEND_API_KEY"); v != "" {
		for i := range cfg.Backends {
			if cfg.Backends[i].APIKey == "" {
				cfg.Backends[i].APIKey = v
			}
		}
	}
	if v := os.Getenv("RELM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	for i := range cfg.Backends {
		if cfg.Backends[i].Family == "" {
			cfg.Backends[i].Family = cfg.Backends[i].Name
		}
		if cfg.Backends[i].Kind == "" {
			cfg.Backends[i].Kind = "socket"
		}
	}
	if cfg.Engine.RootModel == "" && len(cfg.Backends) > 0 {
		cfg.Engine.RootModel = cfg.Backends[0].Name
	}

	return cfg
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
