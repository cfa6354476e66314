// Package config loads and validates the static bridge configuration.
//
// The config file is JSON by default; files ending in .yaml or .yml are
// parsed as YAML with the same schema. The loaded Config is frozen after
// Load returns and is shared read-only by every other component.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides recognized by Load.
const (
	EnvConfigPath = "BRIDGE_CONFIG"      // config file path
	EnvSocketPath = "BRIDGE_SOCKET"      // socket path override
	EnvAdminToken = "BRIDGE_ADMIN_TOKEN" // plaintext admin token, hashed at load
)

// Wildcard in a client's canSendTo list permits routing to any registered
// client, including the sender itself.
const Wildcard = "*"

const (
	DefaultSocketMode    = "0660"
	DefaultHTTPHost      = "127.0.0.1"
	DefaultHTTPPort      = 9002
	DefaultMaxFrameBytes = 65536
	DefaultQueueLimit    = 500
	DefaultEventRingMax  = 1000
)

// Client describes one registered local principal.
type Client struct {
	ID        string   `json:"id" yaml:"id"`
	KeyHash   string   `json:"keyHash" yaml:"keyHash"`     // lowercase hex SHA-256 of the client secret
	CanSendTo []string `json:"canSendTo" yaml:"canSendTo"` // destination allowlist, may contain Wildcard
}

// Config is the full daemon configuration after defaults are applied.
type Config struct {
	SocketPath     string   `json:"socketPath" yaml:"socketPath"`
	SocketMode     string   `json:"socketMode" yaml:"socketMode"` // octal string, e.g. "0660"
	HTTPHost       string   `json:"httpHost" yaml:"httpHost"`
	HTTPPort       int      `json:"httpPort" yaml:"httpPort"`
	MaxFrameBytes  int      `json:"maxFrameBytes" yaml:"maxFrameBytes"`
	QueueLimit     int      `json:"queueLimit" yaml:"queueLimit"`
	EventRingMax   int      `json:"eventRingMax" yaml:"eventRingMax"`
	LogFile        string   `json:"logFile" yaml:"logFile"`
	AdminTokenHash string   `json:"adminTokenHash" yaml:"adminTokenHash"` // empty locks the HTTP API out
	Clients        []Client `json:"clients" yaml:"clients"`
}

// DefaultPath returns the config path used when neither the --config flag
// nor BRIDGE_CONFIG is set: bridge.json inside the runtime directory beside
// the binary.
func DefaultPath() string {
	return filepath.Join(runtimeDir(), "bridge.json")
}

// runtimeDir is the directory beside the binary that holds the socket, the
// log file and the default config. Falls back to the working directory when
// the executable path cannot be resolved.
func runtimeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "run"
	}
	return filepath.Join(filepath.Dir(exe), "run")
}

// Load reads, defaults, and validates the configuration.
//
// path resolution: explicit path argument, then BRIDGE_CONFIG, then
// DefaultPath(). Every validation failure is fatal at startup and is
// returned as an error here.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(runtimeDir(), "bridge.sock")
	}
	if c.SocketMode == "" {
		c.SocketMode = DefaultSocketMode
	}
	if c.HTTPHost == "" {
		c.HTTPHost = DefaultHTTPHost
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.QueueLimit == 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.EventRingMax == 0 {
		c.EventRingMax = DefaultEventRingMax
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(runtimeDir(), "bridge.log")
	}
}

func (c *Config) applyEnv() {
	if sock := os.Getenv(EnvSocketPath); sock != "" {
		c.SocketPath = sock
	}
	if token := os.Getenv(EnvAdminToken); token != "" {
		c.AdminTokenHash = HashSecret(token)
	}
}

// Validate enforces the startup rules. The daemon refuses to start on any
// violation.
func (c *Config) Validate() error {
	if _, err := c.Mode(); err != nil {
		return err
	}
	if c.MaxFrameBytes < 0 {
		return fmt.Errorf("maxFrameBytes cannot be negative: %d", c.MaxFrameBytes)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("queueLimit cannot be negative: %d", c.QueueLimit)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("httpPort out of range: %d", c.HTTPPort)
	}
	if len(c.Clients) == 0 {
		return fmt.Errorf("clients must be a non-empty array")
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		if cl.ID == "" {
			return fmt.Errorf("clients[%d]: id is required", i)
		}
		if cl.KeyHash == "" {
			return fmt.Errorf("client %q: keyHash is required", cl.ID)
		}
		if seen[cl.ID] {
			return fmt.Errorf("duplicate client id %q", cl.ID)
		}
		seen[cl.ID] = true
		// canSendTo may be empty (client can receive only) and may contain
		// the wildcard; nil is normalized so the registry always sees a list.
		if cl.CanSendTo == nil {
			c.Clients[i].CanSendTo = []string{}
		}
	}
	return nil
}

// Mode parses the configured socket mode octal string.
func (c *Config) Mode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socketMode %q: %w", c.SocketMode, err)
	}
	return os.FileMode(mode), nil
}

// HTTPAddr returns the listen address for the control plane.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

// HashSecret returns the lowercase hex SHA-256 digest of a plaintext
// secret, the stored form for both client keys and the admin token.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
