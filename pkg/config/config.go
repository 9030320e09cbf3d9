// Package config loads the server settings from the config file, the
// environment (THREADLINE_ prefix, .env supported) and command line flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/dispatch"
	"github.com/go-go-golems/threadline/pkg/retention"
	"github.com/go-go-golems/threadline/pkg/security"
)

const AppName = "threadline"

type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type HTTP struct {
	Addr        string        `mapstructure:"addr"`
	BaseURL     string        `mapstructure:"base-url"`
	PollTimeout time.Duration `mapstructure:"poll-timeout"`
	RateLimit   RateLimit     `mapstructure:"rate-limit"`
}

type Store struct {
	// Driver is sqlite or memory.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type Streams struct {
	// Backend is pebble or memory.
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type Files struct {
	Dir string `mapstructure:"dir"`
}

type Jobs struct {
	MaxConcurrent int64 `mapstructure:"max-concurrent"`
}

// SearchRoute enables web search for Model by running ProviderModel on the
// grounded search provider. Model ids contain dots, so routes are a list
// rather than a map keyed by model.
type SearchRoute struct {
	Model         string `mapstructure:"model"`
	ProviderModel string `mapstructure:"provider-model"`
}

type Routes struct {
	DefaultModel string        `mapstructure:"default-model"`
	ImageModel   string        `mapstructure:"image-model"`
	Search       []SearchRoute `mapstructure:"search"`
}

type Title struct {
	Model string `mapstructure:"model"`
}

type Providers struct {
	OpenRouterBaseURL string `mapstructure:"openrouter-base-url"`
	OpenAIBaseURL     string `mapstructure:"openai-base-url"`
	GeminiBaseURL     string `mapstructure:"gemini-base-url"`
	// AllowHTTP and AllowLocalNetworks relax the base URL checks, for
	// gateways running next to the server.
	AllowHTTP          bool `mapstructure:"allow-http"`
	AllowLocalNetworks bool `mapstructure:"allow-local-networks"`
}

type Identity struct {
	Secrets  []string      `mapstructure:"secrets"`
	TokenTTL time.Duration `mapstructure:"token-ttl"`
}

type Settings struct {
	HTTP      HTTP              `mapstructure:"http"`
	Store     Store             `mapstructure:"store"`
	Streams   Streams           `mapstructure:"streams"`
	Files     Files             `mapstructure:"files"`
	Jobs      Jobs              `mapstructure:"jobs"`
	Routes    Routes            `mapstructure:"routes"`
	Title     Title             `mapstructure:"title"`
	Providers Providers         `mapstructure:"providers"`
	Keys      map[string]string `mapstructure:"keys"`
	Identity  Identity          `mapstructure:"identity"`
	Retention retention.Config  `mapstructure:"retention"`
	// Verbose logs partial generation events as well.
	Verbose bool `mapstructure:"verbose"`
}

// SetDefaults registers a default for every key, which also lets
// AutomaticEnv pick each of them up from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.base-url", "http://localhost:8080")
	v.SetDefault("http.poll-timeout", 25*time.Second)
	v.SetDefault("http.rate-limit.rps", 5.0)
	v.SetDefault("http.rate-limit.burst", 10)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "threadline.db")
	v.SetDefault("streams.backend", "pebble")
	v.SetDefault("streams.path", "threadline-streams")
	v.SetDefault("files.dir", "threadline-files")
	v.SetDefault("jobs.max-concurrent", 16)

	v.SetDefault("routes.default-model", "openai/gpt-4o-mini")
	v.SetDefault("routes.image-model", "openai/dall-e-3")
	v.SetDefault("routes.search", []SearchRoute{})
	v.SetDefault("title.model", "openai/gpt-4o-mini")

	v.SetDefault("providers.openrouter-base-url", "https://openrouter.ai/api/v1")
	v.SetDefault("providers.openai-base-url", "https://api.openai.com/v1")
	v.SetDefault("providers.gemini-base-url", "https://generativelanguage.googleapis.com")
	v.SetDefault("providers.allow-http", false)
	v.SetDefault("providers.allow-local-networks", false)

	v.SetDefault("keys.openrouter", "")
	v.SetDefault("keys.openai", "")
	v.SetDefault("keys.google", "")

	v.SetDefault("identity.secrets", []string{})
	v.SetDefault("identity.token-ttl", 30*24*time.Hour)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.cron", retention.DefaultCron)
	v.SetDefault("retention.max-age", 7*24*time.Hour)

	v.SetDefault("verbose", false)
}

// InitViper loads .env, then the config file, and wires the environment.
// A missing config file is not an error unless configPath names it.
func InitViper(v *viper.Viper, configPath string) error {
	// .env is optional
	_ = godotenv.Load(".env")

	SetDefaults(v)
	v.SetEnvPrefix(AppName)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/." + AppName)
		v.AddConfigPath("/etc/" + AppName)
		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(xdgConfigPath + "/" + AppName)
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, defaults and environment only
	} else if err != nil {
		return errors.Wrap(err, "read config")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return nil
}

func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch s.Store.Driver {
	case "sqlite", "memory":
	default:
		return errors.Errorf("unknown store driver %q", s.Store.Driver)
	}
	switch s.Streams.Backend {
	case "pebble", "memory":
	default:
		return errors.Errorf("unknown stream backend %q", s.Streams.Backend)
	}
	if s.Routes.DefaultModel == "" {
		return errors.New("routes.default-model is required")
	}
	if s.Jobs.MaxConcurrent <= 0 {
		return errors.Errorf("jobs.max-concurrent must be positive, got %d", s.Jobs.MaxConcurrent)
	}
	if s.HTTP.PollTimeout <= 0 {
		return errors.New("http.poll-timeout must be positive")
	}
	for _, r := range s.Routes.Search {
		if r.Model == "" || r.ProviderModel == "" {
			return errors.Errorf("search route needs model and provider-model, got %+v", r)
		}
	}
	opts := security.OutboundURLOptions{
		AllowHTTP:          s.Providers.AllowHTTP,
		AllowLocalNetworks: s.Providers.AllowLocalNetworks,
	}
	for key, u := range map[string]string{
		"providers.openrouter-base-url": s.Providers.OpenRouterBaseURL,
		"providers.openai-base-url":     s.Providers.OpenAIBaseURL,
		"providers.gemini-base-url":     s.Providers.GeminiBaseURL,
	} {
		if u == "" {
			continue
		}
		if err := security.ValidateProviderURL(u, opts); err != nil {
			return errors.Wrap(err, key)
		}
	}
	for name := range s.Keys {
		if _, err := credentials.ParseProvider(name); err != nil {
			return errors.Wrapf(err, "keys.%s", name)
		}
	}
	return nil
}

// SharedKeys returns the configured keys that apply to every identity.
func (s *Settings) SharedKeys() credentials.Static {
	ret := credentials.Static{}
	for name, key := range s.Keys {
		if key == "" {
			continue
		}
		if p, err := credentials.ParseProvider(name); err == nil {
			ret[p] = key
		}
	}
	return ret
}

func (s *Settings) DispatchRoutes() dispatch.Routes {
	search := map[string]string{}
	for _, r := range s.Routes.Search {
		search[r.Model] = r.ProviderModel
	}
	return dispatch.Routes{
		DefaultModel: s.Routes.DefaultModel,
		ImageModel:   s.Routes.ImageModel,
		Search:       search,
	}
}
