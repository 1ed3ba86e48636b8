package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	StorageTypeMemory = "memory"
	StorageTypeFile   = "file"

	defaultServerAddr  = ":8080"
	defaultGitLabURL   = "https://gitlab.com"
	defaultStoragePath = "/var/lib/gitlab-mcp-proxy/oauth-state.json"
	defaultStorageType = StorageTypeMemory
)

type Config struct {
	GitLab  GitLabConfig  `yaml:"gitlab" json:"gitlab"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Server  ServerConfig  `yaml:"server" json:"server"`
}

type GitLabConfig struct {
	URL string `yaml:"url" json:"url"`
}

// StorageConfig selects the session store backend. The memory backend is for
// multi-instance deployments backed by an external database; the file backend
// persists state durably for single-instance deployments.
type StorageConfig struct {
	Type string `yaml:"type" json:"type"`
	Path string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

func Load() (*Config, error) {
	fileName := "/etc/gitlab-mcp-proxy/config/config.yaml"
	if fn := os.Getenv("GITLAB_MCP_PROXY_CONFIG"); fn != "" {
		fileName = fn
	}
	var cfg Config
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.ValidateAndInitialize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ValidateAndInitialize() error {
	// Apply defaults.
	if c.GitLab.URL == "" {
		c.GitLab.URL = defaultGitLabURL
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.Storage.Type == "" {
		c.Storage.Type = defaultStorageType
	}
	if c.Storage.Type == StorageTypeFile && c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}

	// Validate.
	switch c.Storage.Type {
	case StorageTypeMemory, StorageTypeFile:
	default:
		return fmt.Errorf("storage.type must be one of [%s, %s], got '%s'",
			StorageTypeMemory, StorageTypeFile, c.Storage.Type)
	}
	if c.Storage.Type == StorageTypeMemory && c.Storage.Path != "" {
		return fmt.Errorf("storage.path must not be set when storage.type is %s", StorageTypeMemory)
	}
	return nil
}
