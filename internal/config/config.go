// Package config loads process configuration from LAUREL_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/ledger"
	"laurel.org/internal/permit"
)

type Config struct {
	HTTPAddr        string         `env:"LAUREL_HTTP_ADDR"              envDefault:":8080"`
	GRPCAddr        string         `env:"LAUREL_GRPC_ADDR"              envDefault:":9090"`
	PGDSN           string         `env:"LAUREL_PG_DSN"`
	AutoMigrate     bool           `env:"LAUREL_PG_AUTO_MIGRATE"        envDefault:"true"`
	Variant         ledger.Variant `env:"LAUREL_VARIANT"                envDefault:"achievement"`
	DomainName      string         `env:"LAUREL_DOMAIN_NAME"            envDefault:"Laurel"`
	DomainVersion   string         `env:"LAUREL_DOMAIN_VERSION"         envDefault:"1"`
	ChainID         uint64         `env:"LAUREL_CHAIN_ID"               envDefault:"1"`
	LedgerAddress   common.Address `env:"LAUREL_LEDGER_ADDRESS,required"`
	AdminAddress    common.Address `env:"LAUREL_ADMIN_ADDRESS,required"`
	AuthSecret      string         `env:"LAUREL_AUTH_SECRET,required"`
	TokenTTL        time.Duration  `env:"LAUREL_TOKEN_TTL"              envDefault:"1h"`
	RateBurst       int            `env:"LAUREL_RATE_BURST"             envDefault:"40"`
	RatePerSec      float64        `env:"LAUREL_RATE_PER_SEC"           envDefault:"20"`
	CORSOrigins     []string       `env:"LAUREL_CORS_ORIGINS"           envDefault:"*" envSeparator:","`
	MaxBodyBytes    int64          `env:"LAUREL_MAX_BODY_BYTES"         envDefault:"1048576"`
	ShutdownTimeout time.Duration  `env:"LAUREL_SHUTDOWN_TIMEOUT"       envDefault:"10s"`
	Version         string         `env:"LAUREL_VERSION"                envDefault:"dev"`
	Commit          string         `env:"LAUREL_COMMIT"                 envDefault:"none"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.AdminAddress == (common.Address{}) {
		errs = append(errs, errors.New("LAUREL_ADMIN_ADDRESS must be a non-zero address"))
	}
	// Permits bind to the ledger address; zero would match every deployment.
	if c.LedgerAddress == (common.Address{}) {
		errs = append(errs, errors.New("LAUREL_LEDGER_ADDRESS must be a non-zero address"))
	}
	if len(strings.TrimSpace(c.AuthSecret)) < 16 {
		errs = append(errs, errors.New("LAUREL_AUTH_SECRET must be at least 16 characters"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("LAUREL_TOKEN_TTL must be positive"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("LAUREL_MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// Domain is the permit signing domain of this deployment.
func (c Config) Domain() permit.Domain {
	return permit.Domain{
		Name:              c.DomainName,
		Version:           c.DomainVersion,
		ChainID:           c.ChainID,
		VerifyingContract: c.LedgerAddress,
	}
}
