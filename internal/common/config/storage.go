package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type (
	// StorageConfig selects the persistent key/value backend
	StorageConfig struct {
		Type     string            `yaml:"type"`     // memory, disk, db or redis
		Database DatabaseConfig    `yaml:"database"` // database configuration for db type
		Disk     DiskStorageConfig `yaml:"disk"`     // disk configuration for disk type
		Redis    RedisConfig       `yaml:"redis"`    // redis configuration for redis type
	}

	DiskStorageConfig struct {
		Path string `yaml:"path"` // path for disk storage
	}

	// DatabaseConfig represents the database configuration
	DatabaseConfig struct {
		Type     string `yaml:"type"` // sqlite, mysql or postgres
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		SSLMode  string `yaml:"ssl_mode"`
	}

	// RedisConfig represents a single redis connection
	RedisConfig struct {
		Addr     string        `yaml:"addr"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"` // 0 keeps keys forever
	}
)

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	case "sqlite":
		// Make sure the directory of the sqlite file exists
		if dir := filepath.Dir(c.DBName); dir != "" {
			_ = os.MkdirAll(dir, 0755)
		}
		return c.DBName
	default:
		return ""
	}
}
