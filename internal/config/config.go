// Package config loads the controller's environment-driven configuration
// into a single struct so every component receives it through the
// Controller value instead of reading the environment itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting the controller needs.
type Config struct {
	AppName        string
	ReplicaSetName string
	MongoPort      string
	MongoDataDir   string
	MongoPIDFile   string
	RootUsername   string
	RootPassword   string

	ReconcileInterval time.Duration

	APIPort         string
	ExternalAPIPort string

	RegistryOverride string
	LocalTesting     bool
	NodePublicIP     string

	LogFormat string
	LogLevel  string
	LogFile   string
}

// Load reads the configuration from the environment, applying the defaults
// documented for the controller.
func Load() (*Config, error) {
	c := &Config{
		AppName:        getenv("APP_NAME", "mongo-cluster"),
		ReplicaSetName: getenv("MONGO_REPLICA_SET_NAME", "rs0"),
		MongoPort:      getenv("MONGO_PORT", "27017"),
		MongoDataDir:   getenv("MONGO_DATA_DIR", "/data/db"),
		MongoPIDFile:   getenv("MONGO_PID_FILE", "/data/db/mongod.lock"),
		RootUsername:   getenv("MONGO_INITDB_ROOT_USERNAME", ""),
		RootPassword:   getenv("MONGO_INITDB_ROOT_PASSWORD", ""),

		APIPort:         getenv("API_PORT", "3000"),
		ExternalAPIPort: getenv("EXTERNAL_API_PORT", "3000"),

		RegistryOverride: os.Getenv("FLUX_API_OVERRIDE"),
		NodePublicIP:     os.Getenv("NODE_PUBLIC_IP"),

		LogFormat: getenv("LOG_FORMAT", "logfmt"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFile:   os.Getenv("LOG_FILE"),
	}
	c.LocalTesting = c.RegistryOverride != ""

	interval, err := parseMillis(getenv("RECONCILE_INTERVAL", "30000"))
	if err != nil {
		return nil, fmt.Errorf("parsing RECONCILE_INTERVAL: %w", err)
	}
	c.ReconcileInterval = interval

	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
