package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/imagegate/webhook/registry"
	"github.com/spf13/viper"
)

// Credential is one registry credential entry in the configuration file.
type Credential struct {
	Registry string `mapstructure:"registry"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Config is the registry-facing configuration of the webhook server.
type Config struct {
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	TargetRegistry     string        `mapstructure:"target_registry"`
	InsecureRegistries []string      `mapstructure:"insecure_registries"`
	CloneWorkers       int           `mapstructure:"clone_workers"`
	Credentials        []Credential  `mapstructure:"credentials"`
	DefaultCredential  *Credential   `mapstructure:"default_credential"`
}

// Load reads the configuration file at path, applying defaults and
// IMAGEGATE_* environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("probe_timeout", "5s")
	v.SetDefault("clone_workers", 4)
	v.SetEnvPrefix("imagegate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %s", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %s", err)
	}

	for i := range cfg.Credentials {
		cfg.Credentials[i].Registry = registry.NormalizeRegistry(cfg.Credentials[i].Registry)
	}

	return cfg, nil
}

// CredentialResolver builds the resolver consumed by the registry client.
func (c *Config) CredentialResolver() registry.CredentialResolver {
	byRegistry := map[string]registry.Credentials{}
	for _, cred := range c.Credentials {
		byRegistry[cred.Registry] = registry.Credentials{Username: cred.Username, Password: cred.Password}
	}

	var fallback *registry.Credentials
	if c.DefaultCredential != nil {
		fallback = &registry.Credentials{Username: c.DefaultCredential.Username, Password: c.DefaultCredential.Password}
	}

	return registry.NewStaticCredentials(byRegistry, fallback)
}
