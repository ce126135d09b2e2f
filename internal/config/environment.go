package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/planwright/planwright/internal/warehouse"
)

const defaultStoreFile = "planwright.db"

// ResolvedEnvironment represents a fully-resolved environment with concrete values.
type ResolvedEnvironment struct {
	Name       string
	Warehouse  warehouse.Config
	StoreURL   string
	DotenvPath string
	FromConfig bool
	FromDotenv bool
}

// ResolveEnvironment resolves a named environment. Values come from the
// [environments.<name>] table, then .env.<name> next to planwright.toml, then
// DATABRICKS_HOST / DATABRICKS_TOKEN from the process environment when still
// unset.
func ResolveEnvironment(config *Config, name string) (*ResolvedEnvironment, error) {
	envName := strings.TrimSpace(name)
	if envName == "" {
		if config != nil && config.DefaultEnvironment != "" {
			envName = config.DefaultEnvironment
		} else {
			envName = defaultEnvironmentName
		}
	}

	var (
		envConfig EnvironmentConfig
		envExists bool
	)
	if config != nil && config.Environments != nil {
		envConfig, envExists = config.Environments[envName]
	}

	resolved := &ResolvedEnvironment{
		Name: envName,
		Warehouse: warehouse.Config{
			Host:     envConfig.DatabricksHost,
			Port:     envConfig.DatabricksPort,
			Token:    envConfig.DatabricksToken,
			HTTPPath: envConfig.DatabricksHTTPPath,
		},
		StoreURL:   envConfig.StoreURL,
		FromConfig: envExists,
	}

	var baseDir string
	if config != nil {
		baseDir = config.ConfigDir()
	}
	if baseDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			baseDir = cwd
		}
	}
	resolved.DotenvPath = filepath.Join(baseDir, ".env."+envName)

	info, err := os.Stat(resolved.DotenvPath)
	switch {
	case err == nil && !info.IsDir():
		values, err := godotenv.Read(resolved.DotenvPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolved.DotenvPath, err)
		}
		resolved.FromDotenv = true
		if err := applyDotenv(resolved, values); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", resolved.DotenvPath, err)
		}
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to access %s: %w", resolved.DotenvPath, err)
	}

	if resolved.Warehouse.Host == "" {
		resolved.Warehouse.Host = os.Getenv("DATABRICKS_HOST")
	}
	if resolved.Warehouse.Token == "" {
		resolved.Warehouse.Token = os.Getenv("DATABRICKS_TOKEN")
	}
	resolved.Warehouse.Host = strings.TrimPrefix(resolved.Warehouse.Host, "https://")

	if resolved.StoreURL == "" {
		resolved.StoreURL = filepath.Join(baseDir, defaultStoreFile)
	}

	if config != nil && len(config.Environments) > 0 && !envExists && !resolved.FromDotenv {
		return nil, fmt.Errorf("environment %q not defined in %s and %s not found", envName, FileName, resolved.DotenvPath)
	}

	return resolved, nil
}

func applyDotenv(env *ResolvedEnvironment, values map[string]string) error {
	if v := values["DATABRICKS_HOST"]; v != "" {
		env.Warehouse.Host = v
	}
	if v := values["DATABRICKS_TOKEN"]; v != "" {
		env.Warehouse.Token = v
	}
	if v := values["DATABRICKS_HTTP_PATH"]; v != "" {
		env.Warehouse.HTTPPath = v
	}
	if v := values["DATABRICKS_PORT"]; v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 {
			return fmt.Errorf("DATABRICKS_PORT must be a positive integer, got %q", v)
		}
		env.Warehouse.Port = port
	}
	if v := values["PLANWRIGHT_STORE_URL"]; v != "" {
		env.StoreURL = v
	}
	return nil
}
