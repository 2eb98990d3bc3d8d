// Package config loads the service configuration from a JSON file with
// environment overrides.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Configuration struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Vault    VaultConfig    `json:"vault"`
	Ledger   LedgerConfig   `json:"ledger"`
	Tax      TaxConfig      `json:"tax"`
	Issuer   IssuerConfig   `json:"issuer"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
	IdleTimeout  Duration `json:"idle_timeout"`
	// Upper bound of request bodies, including archives of authorization files
	MaxBodyBytes int64 `json:"max_body_bytes"`
}

type DatabaseConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	MaxOpenConns    int      `json:"max_open_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	// gorm log level: silent, error, warn, info
	LogLevel string `json:"log_level"`
}

type VaultConfig struct {
	MasterKey string `json:"master_key"`
}

type LedgerConfig struct {
	MaxClaimAttempts int      `json:"max_claim_attempts"`
	ReservationTTL   Duration `json:"reservation_ttl"`
}

type TaxConfig struct {
	VATRate              decimal.Decimal `json:"vat_rate"`
	HonorariaWithholding decimal.Decimal `json:"honoraria_withholding"`
}

type IssuerConfig struct {
	BatchConcurrency int `json:"batch_concurrency"`
	// PEM-encoded authority public keys by IDK. When empty, authorization
	// files are imported without checking the authority signature.
	AuthorityKeys map[string]string `json:"authority_keys"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Environment string `json:"environment"`
}

// Duration is a time.Duration read from JSON strings such as "30s"
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value) * time.Second
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", value)
		}
		d.Duration = parsed
		return nil
	default:
		return errors.Errorf("invalid duration %v", v)
	}
}

// Default returns the built-in configuration
func Default() *Configuration {
	cfg := &Configuration{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (if non-empty), fills defaults and applies environment
// overrides.
func Load(path string) (*Configuration, error) {
	cfg := &Configuration{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open config file")
		}
		defer file.Close()

		decoder := json.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil {
			return nil, errors.Wrap(err, "failed to decode config file")
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Configuration) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout.Duration == 0 {
		c.Server.ReadTimeout.Duration = 10 * time.Second
	}
	if c.Server.WriteTimeout.Duration == 0 {
		c.Server.WriteTimeout.Duration = 30 * time.Second
	}
	if c.Server.IdleTimeout.Duration == 0 {
		c.Server.IdleTimeout.Duration = 120 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 32 << 20
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = "dte.db"
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.ConnMaxLifetime.Duration == 0 {
		c.Database.ConnMaxLifetime.Duration = 30 * time.Minute
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Ledger.MaxClaimAttempts == 0 {
		c.Ledger.MaxClaimAttempts = 8
	}
	if c.Ledger.ReservationTTL.Duration == 0 {
		c.Ledger.ReservationTTL.Duration = 2 * time.Minute
	}

	if c.Tax.VATRate.IsZero() {
		c.Tax.VATRate = decimal.NewFromInt(19)
	}
	if c.Tax.HonorariaWithholding.IsZero() {
		c.Tax.HonorariaWithholding = decimal.NewFromInt(10)
	}

	if c.Issuer.BatchConcurrency == 0 {
		c.Issuer.BatchConcurrency = 8
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
}

func (c *Configuration) applyEnv() error {
	if dsn := os.Getenv("DTE_DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if driver := os.Getenv("DTE_DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if key := os.Getenv("DTE_VAULT_MASTER_KEY"); key != "" {
		c.Vault.MasterKey = key
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return errors.Wrapf(err, "invalid PORT %q", port)
		}
		c.Server.Port = p
	}
	return nil
}

// Validate checks values that have no sensible default
func (c *Configuration) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Ledger.MaxClaimAttempts < 1 {
		return errors.New("ledger.max_claim_attempts must be positive")
	}
	if c.Issuer.BatchConcurrency < 1 {
		return errors.New("issuer.batch_concurrency must be positive")
	}
	if c.Tax.VATRate.IsNegative() || c.Tax.HonorariaWithholding.IsNegative() {
		return errors.New("tax rates must not be negative")
	}
	return nil
}

// Address is host:port of the HTTP listener
func (c *Configuration) Address() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// Redacted returns a copy safe for logging
func (c *Configuration) Redacted() Configuration {
	r := *c
	if r.Vault.MasterKey != "" {
		r.Vault.MasterKey = "***"
	}
	if r.Database.Driver == DriverPostgres && r.Database.DSN != "" {
		r.Database.DSN = "***"
	}
	return r
}
