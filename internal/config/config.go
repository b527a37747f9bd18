package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port string `yaml:"port"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	// PubSubTopic is the fully qualified topic the Gmail watch publishes to,
	// e.g. projects/my-project/topics/gmail-push.
	PubSubTopic string `yaml:"pubsub_topic"`
	// PushAudience, when set, enables OIDC verification of inbound push
	// requests against this audience.
	PushAudience string `yaml:"push_audience"`
	// TimeoutSeconds bounds every Gmail API call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type ClassifierConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Google     GoogleConfig     `yaml:"google"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Store      StoreConfig      `yaml:"store"`
	NATS       NATSConfig       `yaml:"nats"`
	Redis      RedisConfig      `yaml:"redis"`

	// Account is the mailbox address being watched. Used for self-mail
	// suppression and as the watermark key.
	Account string `yaml:"account"`

	// HistoryLookback bounds first-contact reconciliation: with no stored
	// watermark the delta starts at max(historyId-lookback, 1).
	HistoryLookback uint64 `yaml:"history_lookback"`

	// Parallelism caps concurrent message classification within one delta.
	Parallelism int `yaml:"parallelism"`
}

// Load reads the yaml config at path and applies environment overrides.
// A missing file is not an error; the config is then built from the
// environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("open config: %w", err)
	}

	overrideFromEnv(cfg)
	cfg.applyDefaults()

	if cfg.Account == "" {
		return nil, fmt.Errorf("account address is required")
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		c.Classifier.TimeoutSeconds = 10
	}
	if c.Google.TimeoutSeconds <= 0 {
		c.Google.TimeoutSeconds = 30
	}
	if c.Classifier.Model == "" {
		c.Classifier.Model = "gpt-4o-mini"
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "data"
	}
	if c.HistoryLookback == 0 {
		c.HistoryLookback = 10
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("GOOGLE_REDIRECT_URI"); v != "" {
		cfg.Google.RedirectURI = v
	}
	if v := os.Getenv("GMAIL_PUBSUB_TOPIC"); v != "" {
		cfg.Google.PubSubTopic = v
	}
	if v := os.Getenv("PUSH_AUDIENCE"); v != "" {
		cfg.Google.PushAudience = v
	}
	if v := os.Getenv("GMAIL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Google.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("USER_EMAIL"); v != "" {
		cfg.Account = v
	}
	if v := os.Getenv("CLASSIFIER_ENDPOINT"); v != "" {
		cfg.Classifier.Endpoint = v
	}
	if v := os.Getenv("CLASSIFIER_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("CLASSIFIER_MODEL"); v != "" {
		cfg.Classifier.Model = v
	}
	if v := os.Getenv("CLASSIFIER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Classifier.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}
