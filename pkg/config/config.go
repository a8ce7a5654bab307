// Package config loads analysis settings from YAML, .env files and the
// process environment.
package config

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Severity source names.
const (
	SourceStatic = "static"
	SourceNeo4j  = "neo4j"
	SourceNVD    = "nvd"
	// SourceChain tries the static table, then Neo4j if configured, then NVD.
	SourceChain = "chain"
)

var validate = validator.New()

type Config struct {
	Rules     RulesConfig     `yaml:"rules"`
	Severity  SeverityConfig  `yaml:"severity"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	NVD       NVDConfig       `yaml:"nvd"`
	Inference InferenceConfig `yaml:"inference"`
	Log       LogConfig       `yaml:"log"`
}

type RulesConfig struct {
	Path string `yaml:"path"`
}

type SeverityConfig struct {
	Source   string             `yaml:"source" validate:"oneof=static neo4j nvd chain"`
	Fallback float64            `yaml:"fallback" validate:"gte=0,lte=10"`
	Scores   map[string]float64 `yaml:"scores" validate:"dive,keys,required,endkeys,gte=0,lte=10"`
	Cache    bool               `yaml:"cache"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri" validate:"omitempty,uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	GraphID  string `yaml:"graph_id"`
}

type NVDConfig struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey  string        `yaml:"api_key"`
	Retries int           `yaml:"retries" validate:"gte=0,lte=10"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type InferenceConfig struct {
	Heuristic string `yaml:"heuristic" validate:"oneof=min-fill min-degree"`
	Workers   int    `yaml:"workers" validate:"gte=1,lte=256"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Severity: SeverityConfig{
			Source:   SourceStatic,
			Fallback: 5.0,
			Scores:   map[string]float64{},
			Cache:    true,
		},
		Neo4j: Neo4jConfig{
			GraphID: "default",
		},
		NVD: NVDConfig{
			Retries: 3,
			Timeout: 10 * time.Second,
		},
		Inference: InferenceConfig{
			Heuristic: "min-fill",
			Workers:   4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadDotEnv loads a .env file into the process environment. Variables that
// are already set win.
func LoadDotEnv(path string) error {
	return errors.Wrapf(godotenv.Load(path), "load env file %s", path)
}

// Load reads path (if non-empty) over DefaultConfig, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := cfg.decode(raw); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	return decoder.Decode(c)
}

// ApplyEnv overrides settings from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ABN_RULES", &c.Rules.Path)
	str("ABN_SEVERITY_SOURCE", &c.Severity.Source)
	str("ABN_HEURISTIC", &c.Inference.Heuristic)
	str("ABN_LOG_LEVEL", &c.Log.Level)
	str("ABN_LOG_FORMAT", &c.Log.Format)
	str("NEO4J_URI", &c.Neo4j.URI)
	str("NEO4J_USER", &c.Neo4j.User)
	str("NEO4J_PASSWORD", &c.Neo4j.Password)
	str("NEO4J_GRAPH_ID", &c.Neo4j.GraphID)
	str("NVD_API_KEY", &c.NVD.APIKey)
	str("NVD_BASE_URL", &c.NVD.BaseURL)

	if v, ok := lookup("ABN_SEVERITY_FALLBACK"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(err, "ABN_SEVERITY_FALLBACK=%q", v)
		}
		c.Severity.Fallback = f
	}
	if v, ok := lookup("ABN_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "ABN_WORKERS=%q", v)
		}
		c.Inference.Workers = n
	}
	return nil
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.Severity.Source == SourceNeo4j && c.Neo4j.URI == "" {
		return errors.New("invalid config: severity source neo4j needs neo4j.uri")
	}
	return nil
}

// NewLogger builds the logger described by the log section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(c.Log.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}
