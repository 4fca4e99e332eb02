package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "GOJAM"

type Config struct {
	ServerAddr        string
	DatabaseDSN       string
	CatalogFile       string
	SigningKey        []byte
	AllowedOrigins    []string
	MaxParticipants   int
	HeartbeatInterval time.Duration
	IdleRoomTimeout   time.Duration
	PongWait          time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_addr", "localhost:8000")
	v.SetDefault("database_dsn", "")
	v.SetDefault("catalog_file", "")
	v.SetDefault("signing_key", "")
	v.SetDefault("allowed_origins", []string{"http://localhost:8000"})
	v.SetDefault("max_participants", 50)
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("idle_room_timeout", 30*time.Second)
	v.SetDefault("pong_wait", 30*time.Second)

	return v
}

// Load reads the configuration from the environment and, if path is not
// empty, from the config file at path. Environment variables take
// precedence over the file.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return NewConfig(v)
}

func NewConfig(v *viper.Viper) (*Config, error) {
	serverAddr := v.GetString("server_addr")
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	base64Secret := v.GetString("signing_key")
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	maxParticipants := v.GetInt("max_participants")
	if maxParticipants <= 0 {
		return nil, fmt.Errorf("max participants must be positive")
	}

	heartbeat := v.GetDuration("heartbeat_interval")
	if heartbeat <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}

	idle := v.GetDuration("idle_room_timeout")
	if idle <= 0 {
		return nil, fmt.Errorf("idle room timeout must be positive")
	}

	pongWait := v.GetDuration("pong_wait")
	if pongWait <= 0 {
		return nil, fmt.Errorf("pong wait must be positive")
	}

	return &Config{
		ServerAddr:        serverAddr,
		DatabaseDSN:       v.GetString("database_dsn"),
		CatalogFile:       v.GetString("catalog_file"),
		SigningKey:        signingKey,
		AllowedOrigins:    splitOrigins(v.GetStringSlice("allowed_origins")),
		MaxParticipants:   maxParticipants,
		HeartbeatInterval: heartbeat,
		IdleRoomTimeout:   idle,
		PongWait:          pongWait,
	}, nil
}

// splitOrigins accepts both list values and comma-separated env strings.
func splitOrigins(values []string) []string {
	var origins []string
	for _, val := range values {
		for _, o := range strings.Split(val, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	return origins
}
