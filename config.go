package simplevote

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jellypudding/simplevote/votifier"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// VotingSite is a place players can vote for the server.
type VotingSite struct {
	Name string `mapstructure:"name" json:"name"`
	URL  string `mapstructure:"url" json:"url"`
}

// Config mirrors config.yml. Every key has a default, so running without a
// file is fine.
type Config struct {
	DataDir        string       `mapstructure:"data-dir"`
	Debug          bool         `mapstructure:"debug-mode"`
	TokensPerVote  int          `mapstructure:"tokens-per-vote"`
	BroadcastVotes bool         `mapstructure:"broadcast-votes"`
	VotingSites    []VotingSite `mapstructure:"voting-sites"`
	HTTPAddr       string       `mapstructure:"http-addr"`
	BugsnagAPIKey  string       `mapstructure:"bugsnag-api-key"`

	Votifier struct {
		Enabled         bool          `mapstructure:"enabled"`
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		StrictChallenge bool          `mapstructure:"strict-challenge"`
		Workers         int           `mapstructure:"workers"`
		QueueSize       int           `mapstructure:"queue-size"`
		ReadTimeout     time.Duration `mapstructure:"read-timeout"`
		RateLimit       float64       `mapstructure:"rate-limit"`
		RateBurst       int           `mapstructure:"rate-burst"`
		RateLimitIdle   time.Duration `mapstructure:"rate-limit-idle"`
	} `mapstructure:"votifier"`

	MQTT struct {
		Host     string `mapstructure:"host"`
		User     string `mapstructure:"user"`
		Pass     string `mapstructure:"pass"`
		ClientID string `mapstructure:"client-id"`
		Topic    string `mapstructure:"topic"`
	} `mapstructure:"mqtt"`
}

var defaultVotingSites = []map[string]string{
	{"name": "PlanetMinecraft", "url": "https://planetminecraft.com/server/your-server-name/vote/"},
	{"name": "Minecraft Server List", "url": "https://minecraft-server-list.com/server/your-server-id/vote/"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data-dir", "data")
	v.SetDefault("debug-mode", false)
	v.SetDefault("tokens-per-vote", 1)
	v.SetDefault("broadcast-votes", true)
	v.SetDefault("voting-sites", defaultVotingSites)
	v.SetDefault("http-addr", "")

	v.SetDefault("votifier.enabled", true)
	v.SetDefault("votifier.host", "")
	v.SetDefault("votifier.port", votifier.DefaultPort)
	v.SetDefault("votifier.strict-challenge", false)
	v.SetDefault("votifier.workers", 4)
	v.SetDefault("votifier.queue-size", 64)
	v.SetDefault("votifier.read-timeout", 5*time.Second)
	v.SetDefault("votifier.rate-limit", 0)
	v.SetDefault("votifier.rate-burst", 5)
	v.SetDefault("votifier.rate-limit-idle", 10*time.Minute)

	v.SetDefault("bugsnag-api-key", "")

	v.SetDefault("mqtt.host", "")
	v.SetDefault("mqtt.user", "")
	v.SetDefault("mqtt.pass", "")
	v.SetDefault("mqtt.client-id", "simplevote")
	v.SetDefault("mqtt.topic", DefaultBroadcastTopic)
}

// LoadConfig reads path (YAML) on top of the defaults. An empty path loads
// defaults plus SIMPLEVOTE_* environment overrides only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SIMPLEVOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the service cannot run with and drops voting
// sites missing a name or url.
func (c *Config) Validate() error {
	if c.Votifier.Port < 0 || c.Votifier.Port > 65535 {
		return fmt.Errorf("votifier.port %d out of range", c.Votifier.Port)
	}
	if c.TokensPerVote < 0 {
		return errors.New("tokens-per-vote must not be negative")
	}
	if c.DataDir == "" {
		return errors.New("data-dir must be set")
	}

	sites := c.VotingSites[:0]
	for _, s := range c.VotingSites {
		if s.Name != "" && s.URL != "" {
			sites = append(sites, s)
		}
	}
	c.VotingSites = sites
	return nil
}

// VotifierAddr is the listen address for the vote listener.
func (c *Config) VotifierAddr() string {
	return net.JoinHostPort(c.Votifier.Host, strconv.Itoa(c.Votifier.Port))
}

// ServerConfig translates the votifier section for the listener.
func (c *Config) ServerConfig() votifier.Config {
	return votifier.Config{
		Addr:            c.VotifierAddr(),
		Workers:         c.Votifier.Workers,
		QueueSize:       c.Votifier.QueueSize,
		ReadTimeout:     c.Votifier.ReadTimeout,
		StrictChallenge: c.Votifier.StrictChallenge,
		Debug:           c.Debug,
		RateLimit:       rate.Limit(c.Votifier.RateLimit),
		RateBurst:       c.Votifier.RateBurst,
		RateLimitIdle:   c.Votifier.RateLimitIdle,
	}
}
