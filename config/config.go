// Package config loads dynamig settings from flags, environment and an optional file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/root-talis/dynamig/driver"
	"github.com/root-talis/dynamig/driver/dynamo"
	"github.com/root-talis/dynamig/ledger"
)

// Keys shared by flags, environment and config files.
const (
	KeyDriver          = "driver"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyAccessKeyID     = "access-key-id"
	KeySecretAccessKey = "secret-access-key"
	KeySessionToken    = "session-token"
	KeyMySQLDSN        = "mysql-dsn"
	KeyMySQLDatabase   = "mysql-database"
	KeyTable           = "table"
	KeyPrefix          = "prefix"
	KeyFolder          = "folder"
	KeyPackage         = "package"
	KeyReadCapacity    = "read-capacity"
	KeyWriteCapacity   = "write-capacity"
	KeyPollInterval    = "poll-interval"
	KeyPollAttempts    = "poll-attempts"
	KeyLockTTL         = "lock-ttl"
	KeyLogLevel        = "log-level"
)

const (
	DriverDynamoDB = "dynamodb"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

// env names are kept compatible with existing deployments of the tool.
var envNames = map[string]string{ // nolint:gochecknoglobals
	KeyDriver:          "DYNAMIG_DRIVER",
	KeyRegion:          "AWS_REGION",
	KeyEndpoint:        "DYNAMO_ENDPOINT",
	KeyAccessKeyID:     "DYNAMIG_ACCESS_KEY_ID",
	KeySecretAccessKey: "DYNAMIG_SECRET_ACCESS_KEY",
	KeySessionToken:    "DYNAMIG_SESSION_TOKEN",
	KeyMySQLDSN:        "DYNAMIG_MYSQL_DSN",
	KeyMySQLDatabase:   "DYNAMIG_MYSQL_DATABASE",
	KeyTable:           "DYNAMO_MIGRATIONS_TABLENAME",
	KeyPrefix:          "DYNAMO_PREFIX",
	KeyFolder:          "DYNAMO_MIGRATIONS_FOLDER",
	KeyPackage:         "DYNAMIG_PACKAGE",
	KeyReadCapacity:    "DYNAMIG_READ_CAPACITY",
	KeyWriteCapacity:   "DYNAMIG_WRITE_CAPACITY",
	KeyPollInterval:    "DYNAMIG_POLL_INTERVAL",
	KeyPollAttempts:    "DYNAMIG_POLL_ATTEMPTS",
	KeyLockTTL:         "DYNAMIG_LOCK_TTL",
	KeyLogLevel:        "DYNAMIG_LOG_LEVEL",
}

var (
	ErrUnknownDriver  = errors.New("unknown driver")
	ErrEmptyTableName = errors.New("ledger table name is empty")
	ErrMySQLSettings  = errors.New("mysql driver needs both a DSN and a database")
)

type Config struct {
	Driver          string        `mapstructure:"driver"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access-key-id"`
	SecretAccessKey string        `mapstructure:"secret-access-key"`
	SessionToken    string        `mapstructure:"session-token"`
	MySQLDSN        string        `mapstructure:"mysql-dsn"`
	MySQLDatabase   string        `mapstructure:"mysql-database"`
	Table           string        `mapstructure:"table"`
	Prefix          string        `mapstructure:"prefix"`
	Folder          string        `mapstructure:"folder"`
	Package         string        `mapstructure:"package"`
	ReadCapacity    int64         `mapstructure:"read-capacity"`
	WriteCapacity   int64         `mapstructure:"write-capacity"`
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	PollAttempts    uint64        `mapstructure:"poll-attempts"`
	LockTTL         time.Duration `mapstructure:"lock-ttl"`
	LogLevel        string        `mapstructure:"log-level"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDriver, DriverDynamoDB)
	v.SetDefault(KeyRegion, "us-west-2")
	v.SetDefault(KeyEndpoint, "")
	v.SetDefault(KeyAccessKeyID, "")
	v.SetDefault(KeySecretAccessKey, "")
	v.SetDefault(KeySessionToken, "")
	v.SetDefault(KeyMySQLDSN, "")
	v.SetDefault(KeyMySQLDatabase, "")
	v.SetDefault(KeyTable, ledger.DefaultTableName)
	v.SetDefault(KeyPrefix, "")
	v.SetDefault(KeyFolder, "migrations")
	v.SetDefault(KeyPackage, "")
	v.SetDefault(KeyReadCapacity, 1)
	v.SetDefault(KeyWriteCapacity, 1)
	v.SetDefault(KeyPollInterval, ledger.DefaultPollInterval)
	v.SetDefault(KeyPollAttempts, ledger.DefaultPollAttempts)
	v.SetDefault(KeyLockTTL, ledger.DefaultLockTTL)
	v.SetDefault(KeyLogLevel, zapcore.InfoLevel.String())
}

// BindEnv binds every key to its environment variable.
func BindEnv(v *viper.Viper) error {
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", key, env, err)
		}
	}
	return nil
}

// ReadFile merges a YAML (or any viper-supported) config file into v.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Driver {
	case DriverDynamoDB, DriverMemory:
	case DriverMySQL:
		if c.MySQLDSN == "" || c.MySQLDatabase == "" {
			return ErrMySQLSettings
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Driver)
	}

	if strings.TrimSpace(c.Table) == "" {
		return ErrEmptyTableName
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// LedgerTableName is the prefixed ledger table name.
func (c *Config) LedgerTableName() string {
	return c.Prefix + c.Table
}

func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		TableName: c.LedgerTableName(),
		Capacity: driver.Capacity{
			ReadUnits:  c.ReadCapacity,
			WriteUnits: c.WriteCapacity,
		},
		PollInterval: c.PollInterval,
		PollAttempts: c.PollAttempts,
	}
}

func (c *Config) Level() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q; supported levels are debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}

// DynamoConfig is the connection part of the configuration.
func (c *Config) DynamoConfig() dynamo.Config {
	return dynamo.Config{
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
}
