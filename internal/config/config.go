package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/roomsync/internal/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Store  StoreConfig  `yaml:"store"`
	Blobs  BlobConfig   `yaml:"blobs"`
	Sync   SyncConfig   `yaml:"sync"`
	Room   RoomConfig   `yaml:"room"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver" validate:"oneof=memory redis postgres sqlite badger"`
	DSN           string `yaml:"dsn" validate:"required_if=Driver postgres,required_if=Driver sqlite"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"min=0"`
	KeyPrefix     string `yaml:"key_prefix"`
	BadgerPath    string `yaml:"badger_path" validate:"required_if=Driver badger"`
}

type BlobConfig struct {
	Driver          string `yaml:"driver" validate:"oneof=memory gcs"`
	Bucket          string `yaml:"bucket" validate:"required_if=Driver gcs"`
	CredentialsFile string `yaml:"credentials_file"`
}

type SyncConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval" validate:"gt=0"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	PresenceTTL         time.Duration `yaml:"presence_ttl" validate:"gt=0"`
	GCInterval          time.Duration `yaml:"gc_interval" validate:"gt=0"`
	InactivityThreshold time.Duration `yaml:"inactivity_threshold" validate:"gt=0"`
	StaleAfter          time.Duration `yaml:"stale_after" validate:"gt=0"`
	DegradedAfter       int           `yaml:"degraded_after" validate:"min=1"`
	CloseGrace          time.Duration `yaml:"close_grace" validate:"min=0"`
	ResolveCooldown     time.Duration `yaml:"resolve_cooldown" validate:"gt=0"`
	PeriodAlert         time.Duration `yaml:"period_alert" validate:"min=0"`
}

type RoomConfig struct {
	Capacity map[types.Role]int `yaml:"capacity" validate:"dive,keys,oneof=dispatcher operator,endkeys,min=0"`
	Period   types.WindowKind   `yaml:"period" validate:"oneof=daily weekly monthly"`
}

// NewConfig returns the defaults every file and flag is overlaid on.
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8000"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Store:  StoreConfig{Driver: "memory", KeyPrefix: "roomsync:"},
		Blobs:  BlobConfig{Driver: "memory"},
		Sync: SyncConfig{
			PollInterval:        2 * time.Second,
			HeartbeatInterval:   1500 * time.Millisecond,
			PresenceTTL:         30 * time.Second,
			GCInterval:          10 * time.Minute,
			InactivityThreshold: 2 * time.Hour,
			StaleAfter:          10 * time.Second,
			DegradedAfter:       3,
			CloseGrace:          2 * time.Second,
			ResolveCooldown:     10 * time.Second,
			PeriodAlert:         time.Hour,
		},
		Room: RoomConfig{
			Capacity: map[types.Role]int{},
			Period:   types.WindowDaily,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults. The result is not validated; call Validate once flags are
// applied.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Sync.HeartbeatInterval >= c.Sync.PresenceTTL {
		return fmt.Errorf("invalid config: heartbeat_interval %s must be shorter than presence_ttl %s",
			c.Sync.HeartbeatInterval, c.Sync.PresenceTTL)
	}
	if c.Sync.PollInterval >= c.Sync.PresenceTTL {
		return fmt.Errorf("invalid config: poll_interval %s must be shorter than presence_ttl %s",
			c.Sync.PollInterval, c.Sync.PresenceTTL)
	}
	return nil
}
