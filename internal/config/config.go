package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all sitereport configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir holds the database (by default), logs and render scratch files.
	DataDir string `yaml:"data_dir"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`

	// External services
	Payments PaymentsConfig `yaml:"payments"`
	Images   ImagesConfig   `yaml:"images"`
	Geocode  GeocodeConfig  `yaml:"geocode"`
	Mail     MailConfig     `yaml:"mail"`

	Render  RenderConfig  `yaml:"render"`
	Limits  Limits        `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	PublicURL       string `yaml:"public_url"` // used for OAuth redirects and image-proxy links
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	SecureCookies   bool   `yaml:"secure_cookies"`
}

// DatabaseConfig configures the SQLite document store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `yaml:"path"`
}

// AuthConfig configures credentials and Google sign-in.
type AuthConfig struct {
	SessionTTL         string   `yaml:"session_ttl"`
	AdminEmails        []string `yaml:"admin_emails"`
	GoogleClientID     string   `yaml:"google_client_id"`
	GoogleClientSecret string   `yaml:"google_client_secret"`
	MinPasswordLength  int      `yaml:"min_password_length"`
}

// RenderConfig configures the export pipeline.
type RenderConfig struct {
	ChromeBin        string `yaml:"chrome_bin"`
	ChromeURL        string `yaml:"chrome_url"` // attach to an existing DevTools endpoint
	Headless         bool   `yaml:"headless"`
	Timeout          string `yaml:"timeout"`
	MaxImageDim      int    `yaml:"max_image_dim"`
	ImageConcurrency int    `yaml:"image_concurrency"`
	CompanyName      string `yaml:"company_name"`
	PhotosPerPage    int    `yaml:"photos_per_page"`

	// AllowPrivateImages lets exports fetch photos from loopback and
	// private networks (local object stores in development).
	AllowPrivateImages bool `yaml:"allow_private_images"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "sitereport",
		Version: "1.0.0",
		DataDir: "data",

		Server: ServerConfig{
			Addr:            ":8080",
			PublicURL:       "http://localhost:8080",
			ReadTimeout:     "15s",
			WriteTimeout:    "120s",
			ShutdownTimeout: "10s",
		},

		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/sitereport.db",
		},

		Auth: AuthConfig{
			SessionTTL:        "720h",
			MinPasswordLength: 8,
		},

		Payments: PaymentsConfig{
			BaseURL:      "https://api.razorpay.com",
			Amount:       49900,
			Currency:     "INR",
			PlanDuration: "8760h",
			Timeout:      "20s",
		},

		Images: ImagesConfig{
			BaseURL:     "https://api.cloudinary.com",
			CDNHost:     "res.cloudinary.com",
			Folder:      "sitereport",
			MaxUploadMB: 15,
			Timeout:     "60s",
		},

		Geocode: GeocodeConfig{
			NominatimURL:      "https://nominatim.openstreetmap.org",
			PhotonURL:         "https://photon.komoot.io",
			CacheTTL:          "30m",
			CacheSize:         1000,
			RequestsPerSecond: 1,
			UserAgent:         "sitereport/1.0 (geocoding)",
			Timeout:           "10s",
		},

		Mail: MailConfig{
			Port: 587,
			From: "reports@localhost",
		},

		Render: RenderConfig{
			Headless:         true,
			Timeout:          "90s",
			MaxImageDim:      1600,
			ImageConcurrency: 4,
			CompanyName:      "Site Inspection Services",
			PhotosPerPage:    6,
		},

		Limits: DefaultLimits(),

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A .env file in the working
// directory is read first; a missing config file yields defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SITEREPORT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SITEREPORT_PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}
	if v := os.Getenv("SITEREPORT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SITEREPORT_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("SITEREPORT_ADMIN_EMAILS"); v != "" {
		c.Auth.AdminEmails = splitList(v)
	}

	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.Auth.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		c.Auth.GoogleClientSecret = v
	}

	if v := os.Getenv("RAZORPAY_KEY_ID"); v != "" {
		c.Payments.KeyID = v
	}
	if v := os.Getenv("RAZORPAY_KEY_SECRET"); v != "" {
		c.Payments.KeySecret = v
	}
	if v := os.Getenv("RAZORPAY_WEBHOOK_SECRET"); v != "" {
		c.Payments.WebhookSecret = v
	}

	// CLOUDINARY_URL=cloudinary://<key>:<secret>@<cloud>
	if v := os.Getenv("CLOUDINARY_URL"); v != "" {
		c.Images.applyURL(v)
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.Mail.Host = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.Mail.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Mail.Password = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		c.Mail.From = v
	}

	if v := os.Getenv("CHROME_BIN"); v != "" {
		c.Render.ChromeBin = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Auth.MinPasswordLength < 6 {
		problems = append(problems, "auth.min_password_length must be >= 6")
	}
	if (c.Auth.GoogleClientID == "") != (c.Auth.GoogleClientSecret == "") {
		problems = append(problems, "google sign-in needs both client id and secret")
	}
	if c.Payments.KeyID != "" && c.Payments.KeySecret == "" {
		problems = append(problems, "payments.key_secret is required when key_id is set")
	}
	if c.Payments.Amount <= 0 {
		problems = append(problems, "payments.amount must be positive")
	}
	if c.Render.PhotosPerPage < 1 {
		problems = append(problems, "render.photos_per_page must be >= 1")
	}
	if err := c.Limits.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c *Config) GoogleEnabled() bool {
	return c.Auth.GoogleClientID != "" && c.Auth.GoogleClientSecret != ""
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetSessionTTL returns the session lifetime.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Auth.SessionTTL, 30*24*time.Hour)
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 15*time.Second)
}

// GetWriteTimeout returns the HTTP write timeout. Exports can be slow.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Server.WriteTimeout, 120*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown budget.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetRenderTimeout returns the per-export render budget.
func (c *Config) GetRenderTimeout() time.Duration {
	return parseDuration(c.Render.Timeout, 90*time.Second)
}
