package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DiscordToken      string   `env:"DISCORD_TOKEN,required,notEmpty"`
	StoragePath       string   `env:"STORAGE_PATH" envDefault:"datastore.json"`
	InitSlashCommands bool     `env:"INIT_SLASH_COMMANDS" envDefault:"true"`
	GuildBlacklist    []string `env:"GUILD_BLACKLIST" envSeparator:","`
	DeveloperID       string   `env:"DEVELOPER_ID"`
	CommandCacheDir   string   `env:"COMMAND_CACHE_DIR" envDefault:"data/commands"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	NodeURI      string `env:"NODE_URI" envDefault:"http://localhost:2333"`
	NodePassword string `env:"NODE_PASSWORD" envDefault:"youshallnotpass"`

	DJRoleName        string        `env:"DJ_ROLE_NAME" envDefault:"DJ"`
	DefaultVolume     int           `env:"DEFAULT_VOLUME" envDefault:"70"`
	PanelCooldownRate int           `env:"PANEL_COOLDOWN_RATE" envDefault:"2"`
	PanelCooldownPer  time.Duration `env:"PANEL_COOLDOWN_PER" envDefault:"5s"`
	ListenGrace       time.Duration `env:"LISTEN_GRACE" envDefault:"20s"`
	ListenPoll        time.Duration `env:"LISTEN_POLL" envDefault:"2s"`

	Log Log
}

type Log struct {
	File       string `env:"LOG_FILE"`
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"20"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"14"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, falling back to system environment variables")
	}
	return Parse()
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DefaultVolume < 0 || c.DefaultVolume > 100 {
		return fmt.Errorf("DEFAULT_VOLUME must be within 0-100, got %d", c.DefaultVolume)
	}
	if c.PanelCooldownRate < 1 || c.PanelCooldownPer <= 0 {
		return fmt.Errorf("panel cooldown must allow at least one action per positive window")
	}
	if c.ListenPoll <= 0 || c.ListenGrace < c.ListenPoll {
		return fmt.Errorf("LISTEN_GRACE (%s) must be at least LISTEN_POLL (%s)", c.ListenGrace, c.ListenPoll)
	}
	return nil
}

// IsDeveloper reports whether userID is the configured developer, who
// bypasses command permission checks.
func (c *Config) IsDeveloper(userID string) bool {
	return c.DeveloperID != "" && c.DeveloperID == userID
}

// IsGuildBlacklisted reports whether the bot should ignore guildID.
func (c *Config) IsGuildBlacklisted(guildID string) bool {
	for _, id := range c.GuildBlacklist {
		if id == guildID {
			return true
		}
	}
	return false
}
