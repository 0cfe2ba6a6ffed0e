package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "abby.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalYAML = `
catalog_path: /etc/abby/catalog.yaml
public_key_path: /etc/abby/pub.pem
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.Storage.Backend != "local" {
		t.Errorf("expected default storage backend local, got %q", cfg.Storage.Backend)
	}
	if cfg.ConnectorListenAddr != ":5000" {
		t.Errorf("expected default connector addr, got %q", cfg.ConnectorListenAddr)
	}
}

func TestLoadRejectsMissingCatalogPath(t *testing.T) {
	path := writeConfigFile(t, "public_key_path: /etc/abby/pub.pem\n")

	_, err := Load(path, nil)
	if err == nil {
		t.Fatal("expected ConfigError for missing catalog_path")
	}
	var cfgErr *ConfigError
	if !asConfigError(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Field != "catalog_path" {
		t.Errorf("expected field catalog_path, got %q", cfgErr.Field)
	}
}

func TestLoadRejectsS3BackendWithoutBucket(t *testing.T) {
	path := writeConfigFile(t, minimalYAML+"storage:\n  backend: s3\n")

	_, err := Load(path, nil)
	if err == nil {
		t.Fatal("expected ConfigError for missing storage.bucket")
	}
}

func TestEnvOverridesConfigValue(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	t.Setenv("ABBY_LOG_LEVEL", "debug")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected env override to set log level debug, got %q", cfg.LogLevel)
	}
}

func asConfigError(err error, target **ConfigError) bool {
	ce, ok := err.(*ConfigError)
	if ok {
		*target = ce
	}
	return ok
}
