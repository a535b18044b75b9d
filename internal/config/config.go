package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port int
	// DataDir holds vms.json, the base disk images and per-VM working
	// data, as seen by this process.
	DataDir string
	// HostDataDir is DataDir as seen by the docker daemon, used for bind
	// mounts when this process itself runs in a container.
	HostDataDir string

	IdleTimeout        time.Duration
	ConnectSettleDelay time.Duration

	IdentitySecret string
	IdentityIssuer string

	GinMode     string
	TLSCertFile string
	TLSKeyFile  string

	DockerBin     string
	DockerNetwork string
	GuestUsername string
	GuestPassword string

	// CreateRateLimit is the number of VM creations allowed per user per
	// minute.
	CreateRateLimit int

	LogLevel  string
	LogFormat string
}

// StateFile is the path of the persisted VM registry.
func (c Config) StateFile() string {
	return filepath.Join(c.DataDir, "vms.json")
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// MapEnv serves variables from a map.
type MapEnv map[string]string

func (m MapEnv) Getenv(key string) string { return m[key] }

// Layered consults each Env in order and returns the first non-empty
// value.
type Layered []Env

func (l Layered) Getenv(key string) string {
	for _, env := range l {
		if env == nil {
			continue
		}
		if v := env.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// ReadEnvFile parses a dotenv file. A missing file yields an empty Env.
func ReadEnvFile(path string) (Env, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return MapEnv{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return MapEnv(values), nil
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

// OSEnv is the process environment.
func OSEnv() Env { return osEnv{} }

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:               3000,
		DataDir:            "data",
		IdleTimeout:        5 * time.Minute,
		ConnectSettleDelay: 250 * time.Millisecond,
		GinMode:            "release",
		DockerBin:          "docker",
		DockerNetwork:      "instapc",
		GuestUsername:      "instapc",
		GuestPassword:      "instapc",
		CreateRateLimit:    10,
		LogLevel:           "info",
		LogFormat:          "text",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	cfg.HostDataDir = env.Getenv("HOST_DATA_DIR")
	if cfg.HostDataDir == "" {
		cfg.HostDataDir = cfg.DataDir
	}
	// docker treats a relative bind source as a volume name.
	hostDir, err := filepath.Abs(cfg.HostDataDir)
	if err != nil {
		return Config{}, fmt.Errorf("invalid HOST_DATA_DIR: %w", err)
	}
	cfg.HostDataDir = hostDir

	if raw := env.Getenv("VM_TIMEOUT"); raw != "" {
		d, err := parseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid VM_TIMEOUT")
		}
		cfg.IdleTimeout = d
	}

	if raw := env.Getenv("CONNECT_SETTLE_DELAY"); raw != "" {
		d, err := parseDuration(raw)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("invalid CONNECT_SETTLE_DELAY")
		}
		cfg.ConnectSettleDelay = d
	}

	cfg.IdentitySecret = env.Getenv("IDP_SECRET")
	if cfg.IdentitySecret == "" {
		return Config{}, fmt.Errorf("IDP_SECRET is required")
	}
	cfg.IdentityIssuer = env.Getenv("IDP_ISSUER")

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if raw := env.Getenv("DOCKER_BIN"); raw != "" {
		cfg.DockerBin = raw
	}
	if raw := env.Getenv("DOCKER_NETWORK"); raw != "" {
		cfg.DockerNetwork = raw
	}
	if raw := env.Getenv("GUEST_USERNAME"); raw != "" {
		cfg.GuestUsername = raw
	}
	if raw := env.Getenv("GUEST_PASSWORD"); raw != "" {
		cfg.GuestPassword = raw
	}

	if raw := env.Getenv("CREATE_RATE_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid CREATE_RATE_LIMIT")
		}
		cfg.CreateRateLimit = n
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		switch level := strings.ToLower(raw); level {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = level
		default:
			return Config{}, fmt.Errorf("invalid LOG_LEVEL")
		}
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		switch format := strings.ToLower(raw); format {
		case "text", "json":
			cfg.LogFormat = format
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT")
		}
	}

	return cfg, nil
}

// parseDuration accepts a Go duration or a bare number of milliseconds.
func parseDuration(raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}
