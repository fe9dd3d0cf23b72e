package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/gigmarket/ordersync/internal/models"
)

type Config struct {
	Server Server `yaml:"server"`

	Backend Backend `yaml:"backend"`

	Sync Sync `yaml:"sync"`

	Database Database `yaml:"database"`

	JWT JWT `yaml:"jwt"`

	NATS NATS `yaml:"nats"`

	Telemetry Telemetry `yaml:"telemetry"`

	Operators []models.User `yaml:"operators"`
}

type Server struct {
	Address        string   `yaml:"address"`
	Mode           string   `yaml:"mode"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Backend is the marketplace endpoint every operation is posted to
type Backend struct {
	Endpoint  string        `yaml:"endpoint"`
	Timeout   time.Duration `yaml:"timeout"`
	SelfID    string        `yaml:"self_id"`
	CompanyID string        `yaml:"company_id"`
}

type Sync struct {
	ChatInterval      time.Duration `yaml:"chat_interval"`
	ChatMaxInterval   time.Duration `yaml:"chat_max_interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ReconcileWindow   time.Duration `yaml:"reconcile_window"`
	NoticeThreshold   time.Duration `yaml:"notice_threshold"`
	NoticeMinInterval time.Duration `yaml:"notice_min_interval"`
	OrdersInterval    time.Duration `yaml:"orders_interval"`
}

type JWT struct {
	Secret    string `yaml:"secret"`
	ExpiresIn int    `yaml:"expires_in"` // In Hours
}

// Database selects where the session key-value state and order snapshots live.
// Driver is postgres, sqlite or memory.
type Database struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// PostgresDSN returns DSN or builds one from the individual fields
func (d Database) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Telemetry struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load reads .env if present, then the YAML file named by CONFIG_PATH
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	configPath := "configs/development.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	f, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes YAML, applies environment overrides and fills defaults
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Server.Address, "SERVER_ADDRESS")
	override(&c.Backend.Endpoint, "BACKEND_ENDPOINT")
	override(&c.Backend.SelfID, "BACKEND_SELF_ID")
	override(&c.JWT.Secret, "JWT_SECRET")
	override(&c.NATS.URL, "NATS_URL")
	override(&c.Database.Driver, "DB_DRIVER")
	override(&c.Database.DSN, "DB_DSN")
	override(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if v := os.Getenv("BACKEND_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Backend.Timeout = time.Duration(n) * time.Second
		}
	}
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "development"
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 15 * time.Second
	}
	if c.Sync.ChatInterval <= 0 {
		c.Sync.ChatInterval = 10 * time.Second
	}
	if c.Sync.ChatMaxInterval <= 0 {
		c.Sync.ChatMaxInterval = 2 * time.Minute
	}
	if c.Sync.FailureThreshold <= 0 {
		c.Sync.FailureThreshold = 3
	}
	if c.Sync.ReconcileWindow <= 0 {
		c.Sync.ReconcileWindow = 2 * time.Minute
	}
	if c.Sync.NoticeThreshold <= 0 {
		c.Sync.NoticeThreshold = time.Minute
	}
	if c.Sync.NoticeMinInterval <= 0 {
		c.Sync.NoticeMinInterval = 5 * time.Minute
	}
	if c.Sync.OrdersInterval <= 0 {
		c.Sync.OrdersInterval = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.JWT.ExpiresIn <= 0 {
		c.JWT.ExpiresIn = 24
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "ordersync"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ordersync"
	}
}

func (c *Config) validate() error {
	if c.Backend.Endpoint == "" {
		return errors.New("backend.endpoint is required")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
			return errors.New("database.dsn is required for sqlite")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if len(c.Operators) > 0 && c.JWT.Secret == "" {
		return errors.New("jwt.secret is required when operators are configured")
	}
	for _, op := range c.Operators {
		if !op.Role.Valid() {
			return fmt.Errorf("operator %q has unknown role %q", op.Username, op.Role)
		}
	}
	return nil
}
