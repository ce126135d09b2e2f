package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearDatabricksEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABRICKS_HOST", "")
	t.Setenv("DATABRICKS_TOKEN", "")
}

func TestResolveEnvironmentDefaults(t *testing.T) {
	clearDatabricksEnv(t)
	tempDir := t.TempDir()

	env, err := ResolveEnvironment(&Config{configDir: tempDir}, "")
	if err != nil {
		t.Fatalf("ResolveEnvironment returned error: %v", err)
	}

	if env.Name != defaultEnvironmentName {
		t.Fatalf("Expected default environment name %q, got %q", defaultEnvironmentName, env.Name)
	}
	if want := filepath.Join(tempDir, defaultStoreFile); env.StoreURL != want {
		t.Fatalf("Expected default store URL %q, got %q", want, env.StoreURL)
	}
	if env.FromConfig || env.FromDotenv {
		t.Fatalf("Expected no sources, got config=%v dotenv=%v", env.FromConfig, env.FromDotenv)
	}
	if env.Warehouse.Host != "" || env.Warehouse.Token != "" {
		t.Fatalf("Expected empty warehouse config, got %+v", env.Warehouse)
	}
}

func TestResolveEnvironmentFromConfig(t *testing.T) {
	clearDatabricksEnv(t)

	config := &Config{
		configDir: t.TempDir(),
		Environments: map[string]EnvironmentConfig{
			"staging": {
				DatabricksHost:     "https://adb-1.azuredatabricks.net",
				DatabricksPort:     8443,
				DatabricksHTTPPath: "/sql/1.0/endpoints/%s",
				StoreURL:           "postgres://staging",
			},
		},
	}

	env, err := ResolveEnvironment(config, "staging")
	if err != nil {
		t.Fatalf("ResolveEnvironment returned error: %v", err)
	}
	if !env.FromConfig {
		t.Error("Expected FromConfig=true")
	}
	if env.Warehouse.Host != "adb-1.azuredatabricks.net" {
		t.Errorf("Expected scheme stripped from host, got %q", env.Warehouse.Host)
	}
	if env.Warehouse.Port != 8443 || env.Warehouse.HTTPPath != "/sql/1.0/endpoints/%s" {
		t.Errorf("Unexpected warehouse config: %+v", env.Warehouse)
	}
	if env.StoreURL != "postgres://staging" {
		t.Errorf("Expected store URL from config, got %q", env.StoreURL)
	}
}

func TestResolveEnvironmentFromDotenv(t *testing.T) {
	clearDatabricksEnv(t)

	tempDir := t.TempDir()
	dotenv := "DATABRICKS_HOST=adb-2.cloud.databricks.com\nDATABRICKS_TOKEN=dapi-secret\nDATABRICKS_PORT=444\nPLANWRIGHT_STORE_URL=postgres://from-dotenv\n"
	if err := os.WriteFile(filepath.Join(tempDir, ".env.staging"), []byte(dotenv), 0o600); err != nil {
		t.Fatalf("Failed to write dotenv file: %v", err)
	}

	config := &Config{
		DefaultEnvironment: "staging",
		configDir:          tempDir,
		Environments: map[string]EnvironmentConfig{
			"staging": {DatabricksHost: "from-config", StoreURL: "postgres://from-config"},
		},
	}

	env, err := ResolveEnvironment(config, "")
	if err != nil {
		t.Fatalf("ResolveEnvironment returned error: %v", err)
	}
	if env.Name != "staging" {
		t.Errorf("Expected default_environment to be used, got %q", env.Name)
	}
	if !env.FromDotenv {
		t.Error("Expected FromDotenv=true")
	}
	if env.Warehouse.Host != "adb-2.cloud.databricks.com" {
		t.Errorf("Expected dotenv host to win, got %q", env.Warehouse.Host)
	}
	if env.Warehouse.Token != "dapi-secret" {
		t.Errorf("Expected dotenv token, got %q", env.Warehouse.Token)
	}
	if env.Warehouse.Port != 444 {
		t.Errorf("Expected dotenv port, got %d", env.Warehouse.Port)
	}
	if env.StoreURL != "postgres://from-dotenv" {
		t.Errorf("Expected dotenv store URL, got %q", env.StoreURL)
	}
}

func TestResolveEnvironmentProcessEnvFallback(t *testing.T) {
	t.Setenv("DATABRICKS_HOST", "adb-env.cloud.databricks.com")
	t.Setenv("DATABRICKS_TOKEN", "dapi-env")

	env, err := ResolveEnvironment(&Config{configDir: t.TempDir()}, "ci")
	if err != nil {
		t.Fatalf("ResolveEnvironment returned error: %v", err)
	}
	if env.Warehouse.Host != "adb-env.cloud.databricks.com" || env.Warehouse.Token != "dapi-env" {
		t.Errorf("Expected process environment credentials, got %+v", env.Warehouse)
	}
}

func TestResolveEnvironmentBadPort(t *testing.T) {
	clearDatabricksEnv(t)

	tempDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempDir, ".env.local"), []byte("DATABRICKS_PORT=https\n"), 0o600); err != nil {
		t.Fatalf("Failed to write dotenv file: %v", err)
	}

	_, err := ResolveEnvironment(&Config{configDir: tempDir}, "local")
	if err == nil || !strings.Contains(err.Error(), "DATABRICKS_PORT") {
		t.Fatalf("Expected DATABRICKS_PORT error, got %v", err)
	}
}

func TestResolveEnvironmentMissingDefinition(t *testing.T) {
	clearDatabricksEnv(t)

	config := &Config{
		Environments: map[string]EnvironmentConfig{
			"local": {StoreURL: "postgres://local"},
		},
		configDir: t.TempDir(),
	}

	if _, err := ResolveEnvironment(config, "production"); err == nil {
		t.Fatal("Expected error resolving undefined environment, got nil")
	}
}

func TestResolveEnvironmentDotenvWithoutDefinition(t *testing.T) {
	clearDatabricksEnv(t)

	tempDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempDir, ".env.production"), []byte("DATABRICKS_HOST=prod-host\n"), 0o600); err != nil {
		t.Fatalf("Failed to write dotenv file: %v", err)
	}

	config := &Config{
		Environments: map[string]EnvironmentConfig{"local": {}},
		configDir:    tempDir,
	}

	env, err := ResolveEnvironment(config, "production")
	if err != nil {
		t.Fatalf("ResolveEnvironment returned error: %v", err)
	}
	if env.Warehouse.Host != "prod-host" {
		t.Errorf("Expected host from dotenv, got %q", env.Warehouse.Host)
	}
}
