package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the server configuration. Values come from the optional
// config file and KEYSERVER_* environment variables, flags taking
// precedence where bound.
type Config struct {
	Host              string
	Port              int
	DBPath            string
	SeedAdminEmail    string
	SeedAdminPassword string
}

// Load reads the configuration from viper
func Load() *Config {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("db.path", "keyserver.db")

	return &Config{
		Host:              viper.GetString("server.host"),
		Port:              viper.GetInt("server.port"),
		DBPath:            viper.GetString("db.path"),
		SeedAdminEmail:    viper.GetString("admin.email"),
		SeedAdminPassword: viper.GetString("admin.password"),
	}
}

// Addr returns the host:port listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
