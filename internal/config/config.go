// Package config holds the settings of the collabserver and collabagent
// commands. Defaults come from the environment and flags override them.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"collabtext/internal/discovery"
	"collabtext/internal/replica"
	"collabtext/internal/store"
)

// Storage backends.
const (
	BackendDir      = "dir"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

var backends = []string{BackendDir, BackendBolt, BackendPostgres}

// Server configures collabserver.
type Server struct {
	ListenAddr string

	StoreBackend string
	StoreDir     string
	BoltPath     string
	DatabaseURL  string
	// Document names a stored document loaded at startup.
	Document string

	RedisAddr    string
	RedisChannel string

	MDNS        bool
	MDNSService string

	SendBuffer int
	LogLevel   int
}

// ServerFromEnv returns the server defaults, taking values from the
// environment where set.
func ServerFromEnv() Server {
	return Server{
		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		StoreBackend: getEnv("STORE_BACKEND", BackendDir),
		StoreDir:     getEnv("STORE_DIR", "saved_files"),
		BoltPath:     getEnv("BOLT_PATH", "collabtext.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		Document:     getEnv("LOAD_DOCUMENT", ""),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "collabtext"),
		MDNS:         getEnvBool("MDNS", false),
		MDNSService:  getEnv("MDNS_SERVICE", discovery.DefaultService),
		SendBuffer:   getEnvInt("SEND_BUFFER", 256),
		LogLevel:     getEnvInt("LOG_LEVEL", 0),
	}
}

// BindFlags registers a flag for every field, defaulting to the current
// value.
func (c *Server) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Address the HTTP and WebSocket server binds to.")
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "Document store backend. One of: (dir | bolt | postgres)")
	fs.StringVar(&c.StoreDir, "store-dir", c.StoreDir, "Directory of the dir store.")
	fs.StringVar(&c.BoltPath, "bolt-path", c.BoltPath, "Database file of the bolt store.")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "PostgreSQL connection string of the postgres store.")
	fs.StringVar(&c.Document, "load", c.Document, "Stored document to load at startup.")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for the event relay. Empty disables the relay.")
	fs.StringVar(&c.RedisChannel, "redis-channel", c.RedisChannel, "Redis channel the relay publishes to.")
	fs.BoolVar(&c.MDNS, "mdns", c.MDNS, "Advertise the server over mDNS.")
	fs.StringVar(&c.MDNSService, "mdns-service", c.MDNSService, "mDNS service type.")
	fs.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "Outbound messages queued per client before it is dropped.")
	fs.IntVar(&c.LogLevel, "log-level", c.LogLevel, "The log level verbosity. 0 is the least verbose.")
}

// Validate reports every inconsistent setting.
func (c Server) Validate() error {
	var errs []error
	if _, err := c.Port(); err != nil {
		errs = append(errs, err)
	}
	switch c.StoreBackend {
	case BackendDir:
		if c.StoreDir == "" {
			errs = append(errs, errors.New("dir store requires --store-dir"))
		}
	case BackendBolt:
		if c.BoltPath == "" {
			errs = append(errs, errors.New("bolt store requires --bolt-path"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres store requires --database-url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q, want one of %v", c.StoreBackend, backends))
	}
	if c.Document != "" {
		if err := store.ValidateName(c.Document); err != nil {
			errs = append(errs, fmt.Errorf("--load: %w", err))
		}
	}
	if c.RedisAddr != "" && c.RedisChannel == "" {
		errs = append(errs, errors.New("relay requires --redis-channel"))
	}
	if c.MDNS && c.MDNSService == "" {
		errs = append(errs, errors.New("mdns requires --mdns-service"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer))
	}
	if c.LogLevel < 0 {
		errs = append(errs, fmt.Errorf("log level must not be negative, got %d", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Port returns the numeric port of ListenAddr.
func (c Server) Port() (int, error) {
	_, p, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", c.ListenAddr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q: invalid port", c.ListenAddr)
	}
	return port, nil
}

// StoreLocation returns the path or URL of the selected backend.
func (c Server) StoreLocation() string {
	switch c.StoreBackend {
	case BackendBolt:
		return c.BoltPath
	case BackendPostgres:
		return c.DatabaseURL
	default:
		return c.StoreDir
	}
}

// Agent configures collabagent.
type Agent struct {
	// Server is the host:port of the sync server. Empty means discover it
	// over mDNS.
	Server      string
	User        string
	File        string
	MDNSService string

	Debounce        time.Duration
	PollInterval    time.Duration
	DiscoverTimeout time.Duration
	LogLevel        int
}

// AgentFromEnv returns the agent defaults, taking values from the
// environment where set.
func AgentFromEnv() Agent {
	return Agent{
		Server:          getEnv("COLLAB_SERVER", ""),
		User:            getEnv("COLLAB_USER", os.Getenv("USER")),
		File:            getEnv("COLLAB_FILE", "collab.txt"),
		MDNSService:     getEnv("MDNS_SERVICE", discovery.DefaultService),
		Debounce:        getEnvDuration("DEBOUNCE", replica.DefaultDebounce),
		PollInterval:    getEnvDuration("POLL_INTERVAL", 250*time.Millisecond),
		DiscoverTimeout: getEnvDuration("DISCOVER_TIMEOUT", 15*time.Second),
		LogLevel:        getEnvInt("LOG_LEVEL", 0),
	}
}

func (c *Agent) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server, "server", c.Server, "host:port of the sync server. Empty discovers it over mDNS.")
	fs.StringVarP(&c.User, "user", "u", c.User, "Identity shown to other collaborators.")
	fs.StringVarP(&c.File, "file", "f", c.File, "Local file mirroring the shared document.")
	fs.StringVar(&c.MDNSService, "mdns-service", c.MDNSService, "mDNS service type to browse for.")
	fs.DurationVar(&c.Debounce, "debounce", c.Debounce, "Quiet period before local edits are sent.")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "How often the local file is checked for edits.")
	fs.DurationVar(&c.DiscoverTimeout, "discover-timeout", c.DiscoverTimeout, "How long to browse for a server.")
	fs.IntVar(&c.LogLevel, "log-level", c.LogLevel, "The log level verbosity. 0 is the least verbose.")
}

func (c Agent) Validate() error {
	var errs []error
	if c.User == "" {
		errs = append(errs, errors.New("an identity is required, set --user"))
	}
	if c.File == "" {
		errs = append(errs, errors.New("a local file is required, set --file"))
	}
	if c.Server != "" {
		if _, _, err := net.SplitHostPort(c.Server); err != nil {
			errs = append(errs, fmt.Errorf("server address %q: %w", c.Server, err))
		}
	} else if c.MDNSService == "" {
		errs = append(errs, errors.New("without --server, --mdns-service is required"))
	}
	for _, d := range []struct {
		flag  string
		value time.Duration
	}{
		{"debounce", c.Debounce},
		{"poll-interval", c.PollInterval},
		{"discover-timeout", c.DiscoverTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("--%s must be positive, got %s", d.flag, d.value))
		}
	}
	if c.LogLevel < 0 {
		errs = append(errs, fmt.Errorf("log level must not be negative, got %d", c.LogLevel))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}
