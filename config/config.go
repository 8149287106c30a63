package config

import (
	"strings"
	"time"

	"github.com/computersciencehouse/rankit/logging"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	DriverMongo  = "mongo"
	DriverDynamo = "dynamo"
	DriverMemory = "memory"
)

type Config struct {
	ServerConfig
	StorageConfig
	PollConfig
	AuthConfig
	BrokerConfig
	LogLevel string
}

type ServerConfig struct {
	Port           int
	Mode           string
	AllowedOrigins []string
}

type StorageConfig struct {
	Driver          string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	DynamoTable     string
	DynamoRegion    string
	DynamoEndpoint  string
}

type PollConfig struct {
	Duration time.Duration
}

type AuthConfig struct {
	Secret string
}

type BrokerConfig struct {
	Patience time.Duration
	Buffer   int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("poll.duration", "2h")
	v.SetDefault("store.driver", DriverMongo)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "rankit")
	v.SetDefault("mongo.collection", "polls")
	v.SetDefault("dynamo.table", "polls")
	v.SetDefault("dynamo.region", "us-east-1")
	v.SetDefault("dynamo.endpoint", "")
	v.SetDefault("broker.patience", "1s")
	v.SetDefault("broker.buffer", 16)
	v.SetDefault("auth.secret", "")
}

// Load reads a .env file if present, then config.yaml from the working
// directory if present, then the environment (RANKIT_SERVER_PORT etc.).
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logging.Logger.WithFields(logrus.Fields{"module": "config", "method": "Load"}).Info("loaded .env")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./")
	v.SetEnvPrefix("rankit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
		logging.Logger.WithFields(logrus.Fields{"module": "config", "method": "Load"}).Info("no config file, using defaults and environment")
	}

	return Read(v), nil
}

func Read(v *viper.Viper) *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Port:           v.GetInt("server.port"),
			Mode:           v.GetString("server.mode"),
			AllowedOrigins: splitList(v.GetStringSlice("server.allowedOrigins")),
		},
		StorageConfig: StorageConfig{
			Driver:          strings.ToLower(v.GetString("store.driver")),
			MongoURI:        v.GetString("mongo.uri"),
			MongoDatabase:   v.GetString("mongo.database"),
			MongoCollection: v.GetString("mongo.collection"),
			DynamoTable:     v.GetString("dynamo.table"),
			DynamoRegion:    v.GetString("dynamo.region"),
			DynamoEndpoint:  v.GetString("dynamo.endpoint"),
		},
		PollConfig: PollConfig{
			Duration: v.GetDuration("poll.duration"),
		},
		AuthConfig: AuthConfig{
			Secret: v.GetString("auth.secret"),
		},
		BrokerConfig: BrokerConfig{
			Patience: v.GetDuration("broker.patience"),
			Buffer:   v.GetInt("broker.buffer"),
		},
		LogLevel: v.GetString("log.level"),
	}
}

// splitList flattens comma separated entries. Lists set through the
// environment arrive as one whitespace-split string.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("auth.secret is required")
	}
	if c.Duration <= 0 {
		return errors.Errorf("poll.duration must be positive, got %s", c.Duration)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("server.port %d is out of range", c.Port)
	}
	switch c.Driver {
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("mongo.uri is required for the mongo driver")
		}
	case DriverDynamo:
		if c.DynamoTable == "" {
			return errors.New("dynamo.table is required for the dynamo driver")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown store.driver %q", c.Driver)
	}
	return nil
}
