// ABOUTME: Agent configuration: TOML file, OPSRELAY_* environment, then flags
// ABOUTME: Later sources override earlier ones field by field

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every agent environment override.
const EnvPrefix = "OPSRELAY_"

// Agent is the resolved agent configuration.
type Agent struct {
	Coordinator         string
	Fingerprint         string
	KeyPath             string
	Insecure            bool
	HeartbeatInterval   time.Duration
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	IdempotencyCapacity int
	ChunkSize           int
	PreviewSize         int
	MaxOutputBytes      int
	AllowedRoots        []string
	Readonly            bool
	LogLevel            string
	LogFormat           string
}

// DefaultAgent returns the built-in agent defaults.
func DefaultAgent() Agent {
	return Agent{
		Coordinator:         "localhost:50051",
		Insecure:            true,
		HeartbeatInterval:   10 * time.Second,
		ReconnectBase:       3 * time.Second,
		ReconnectMax:        30 * time.Second,
		IdempotencyCapacity: 10000,
		ChunkSize:           64000,
		PreviewSize:         4000,
		MaxOutputBytes:      512000,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

type agentFile struct {
	Coordinator         string   `toml:"coordinator"`
	Fingerprint         string   `toml:"fingerprint"`
	KeyPath             string   `toml:"ssh_key"`
	Insecure            bool     `toml:"insecure"`
	HeartbeatInterval   string   `toml:"heartbeat_interval"`
	ReconnectBase       string   `toml:"reconnect_base"`
	ReconnectMax        string   `toml:"reconnect_max"`
	IdempotencyCapacity int      `toml:"idempotency_capacity"`
	ChunkSize           int      `toml:"chunk_size"`
	PreviewSize         int      `toml:"preview_size"`
	MaxOutputBytes      int      `toml:"max_output_bytes"`
	AllowedRoots        []string `toml:"allowed_roots"`
	Readonly            bool     `toml:"readonly"`
	LogLevel            string   `toml:"log_level"`
	LogFormat           string   `toml:"log_format"`
}

// agentField binds one setting to its file key, env suffix and flag name.
// Every source funnels through set so parsing stays in one place.
type agentField struct {
	key    string
	usage  string
	isBool bool
	set    func(a *Agent, v string) error
	get    func(a *Agent) string
}

func durationField(key, usage string, dst func(*Agent) *time.Duration) agentField {
	return agentField{
		key:   key,
		usage: usage,
		set: func(a *Agent, v string) error {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*dst(a) = d
			return nil
		},
		get: func(a *Agent) string { return dst(a).String() },
	}
}

func intField(key, usage string, dst func(*Agent) *int) agentField {
	return agentField{
		key:   key,
		usage: usage,
		set: func(a *Agent, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*dst(a) = n
			return nil
		},
		get: func(a *Agent) string { return strconv.Itoa(*dst(a)) },
	}
}

func stringField(key, usage string, dst func(*Agent) *string) agentField {
	return agentField{
		key:   key,
		usage: usage,
		set: func(a *Agent, v string) error {
			*dst(a) = strings.TrimSpace(v)
			return nil
		},
		get: func(a *Agent) string { return *dst(a) },
	}
}

func boolField(key, usage string, dst func(*Agent) *bool) agentField {
	return agentField{
		key:    key,
		usage:  usage,
		isBool: true,
		set: func(a *Agent, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*dst(a) = b
			return nil
		},
		get: func(a *Agent) string { return strconv.FormatBool(*dst(a)) },
	}
}

var agentFields = []agentField{
	stringField("coordinator", "coordinator gRPC address", func(a *Agent) *string { return &a.Coordinator }),
	stringField("fingerprint", "device fingerprint (defaults to the ssh key fingerprint)", func(a *Agent) *string { return &a.Fingerprint }),
	stringField("ssh_key", "path to the ssh private key used to sign connects", func(a *Agent) *string { return &a.KeyPath }),
	boolField("insecure", "connect without TLS", func(a *Agent) *bool { return &a.Insecure }),
	durationField("heartbeat_interval", "heartbeat interval", func(a *Agent) *time.Duration { return &a.HeartbeatInterval }),
	durationField("reconnect_base", "initial reconnect delay", func(a *Agent) *time.Duration { return &a.ReconnectBase }),
	durationField("reconnect_max", "maximum reconnect delay", func(a *Agent) *time.Duration { return &a.ReconnectMax }),
	intField("idempotency_capacity", "idempotency cache capacity", func(a *Agent) *int { return &a.IdempotencyCapacity }),
	intField("chunk_size", "output chunk size in bytes", func(a *Agent) *int { return &a.ChunkSize }),
	intField("preview_size", "output preview size in bytes", func(a *Agent) *int { return &a.PreviewSize }),
	intField("max_output_bytes", "output cap per stream in bytes", func(a *Agent) *int { return &a.MaxOutputBytes }),
	{
		key:   "allowed_roots",
		usage: "comma separated directories file actions may touch",
		set: func(a *Agent, v string) error {
			a.AllowedRoots = splitList(v)
			return nil
		},
		get: func(a *Agent) string { return strings.Join(a.AllowedRoots, ",") },
	},
	boolField("readonly", "refuse actions that mutate state", func(a *Agent) *bool { return &a.Readonly }),
	stringField("log_level", "debug, info, warn or error", func(a *Agent) *string { return &a.LogLevel }),
	stringField("log_format", "text or json", func(a *Agent) *string { return &a.LogFormat }),
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func envName(key string) string { return EnvPrefix + strings.ToUpper(key) }

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RegisterAgentFlags defines one flag per setting on fs, plus --config.
func RegisterAgentFlags(fs *pflag.FlagSet) {
	def := DefaultAgent()
	fs.StringP("config", "c", "", "path to agent TOML config")
	for _, f := range agentFields {
		if f.isBool {
			b, _ := strconv.ParseBool(f.get(&def))
			fs.Bool(flagName(f.key), b, f.usage)
			continue
		}
		fs.String(flagName(f.key), f.get(&def), f.usage)
	}
}

// LoadAgent resolves the agent config from defaults, the TOML file named by
// --config (if any), environment variables read through lookup, and flags
// explicitly set on fs.
func LoadAgent(fs *pflag.FlagSet, lookup func(string) (string, bool)) (Agent, error) {
	cfg := DefaultAgent()

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			if err := cfg.applyFile(path); err != nil {
				return Agent{}, err
			}
		}
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Agent{}, err
		}
	}
	if fs != nil {
		if err := cfg.applyFlags(fs); err != nil {
			return Agent{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func (a *Agent) applyFile(path string) error {
	var raw agentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load agent config: unknown key %q", undecoded[0].String())
	}

	values := map[string]string{
		"coordinator":          raw.Coordinator,
		"fingerprint":          raw.Fingerprint,
		"ssh_key":              raw.KeyPath,
		"insecure":             strconv.FormatBool(raw.Insecure),
		"heartbeat_interval":   raw.HeartbeatInterval,
		"reconnect_base":       raw.ReconnectBase,
		"reconnect_max":        raw.ReconnectMax,
		"idempotency_capacity": strconv.Itoa(raw.IdempotencyCapacity),
		"chunk_size":           strconv.Itoa(raw.ChunkSize),
		"preview_size":         strconv.Itoa(raw.PreviewSize),
		"max_output_bytes":     strconv.Itoa(raw.MaxOutputBytes),
		"allowed_roots":        strings.Join(raw.AllowedRoots, ","),
		"readonly":             strconv.FormatBool(raw.Readonly),
		"log_level":            raw.LogLevel,
		"log_format":           raw.LogFormat,
	}
	for _, f := range agentFields {
		if !meta.IsDefined(f.key) {
			continue
		}
		if err := f.set(a, values[f.key]); err != nil {
			return fmt.Errorf("parse %s: %w", f.key, err)
		}
	}
	return nil
}

func (a *Agent) applyEnv(lookup func(string) (string, bool)) error {
	for _, f := range agentFields {
		v, ok := lookup(envName(f.key))
		if !ok || v == "" {
			continue
		}
		if err := f.set(a, v); err != nil {
			return fmt.Errorf("parse %s: %w", envName(f.key), err)
		}
	}
	return nil
}

func (a *Agent) applyFlags(fs *pflag.FlagSet) error {
	for _, f := range agentFields {
		name := flagName(f.key)
		if !fs.Changed(name) {
			continue
		}
		v := fs.Lookup(name).Value.String()
		if err := f.set(a, v); err != nil {
			return fmt.Errorf("parse --%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks the resolved agent settings.
func (a *Agent) Validate() error {
	if a.Coordinator == "" {
		return fmt.Errorf("coordinator address is required")
	}
	if a.Fingerprint == "" && a.KeyPath == "" {
		return fmt.Errorf("fingerprint or ssh_key is required")
	}
	if a.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if a.ReconnectBase <= 0 || a.ReconnectMax < a.ReconnectBase {
		return fmt.Errorf("reconnect_base must be positive and not exceed reconnect_max")
	}
	if a.IdempotencyCapacity <= 0 {
		return fmt.Errorf("idempotency_capacity must be positive")
	}
	if a.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if a.PreviewSize <= 0 || a.MaxOutputBytes < a.PreviewSize {
		return fmt.Errorf("preview_size must be positive and not exceed max_output_bytes")
	}
	switch a.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", a.LogFormat)
	}
	return nil
}
