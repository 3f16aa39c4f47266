package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all postforge server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	MaxIterations int    `json:"max_iterations"`
	MaxRetries    int    `json:"max_retries"`
	MaxRevisions  int    `json:"max_revisions"`
	TopK          int    `json:"top_k"`
	MinEngagement int    `json:"min_engagement"`
	// CapabilityTimeout is a Go duration string, e.g. "30s".
	CapabilityTimeout string `json:"capability_timeout"`
	StopPredicate     string `json:"stop_predicate"`
	RankExpression    string `json:"rank_expression"`
	SearchEndpoint    string `json:"search_endpoint"`
	SearchAPIKey      string `json:"search_api_key"`
	PublishEndpoint   string `json:"publish_endpoint"`
	PublishAPIKey     string `json:"publish_api_key"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(postforgeDir(), "postforge.db"),
		LogLevel: "info",
		PoolSize: 4,
	}
}

func postforgeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".postforge"
	}
	return filepath.Join(home, ".postforge")
}

func settingsPath() string {
	return filepath.Join(postforgeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("POSTFORGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("POSTFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("POSTFORGE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("POSTFORGE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxIterations = n
		}
	}
	if v := os.Getenv("POSTFORGE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("POSTFORGE_MAX_REVISIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRevisions = n
		}
	}
	if v := os.Getenv("POSTFORGE_MIN_ENGAGEMENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinEngagement = n
		}
	}
	if v := os.Getenv("POSTFORGE_CAPABILITY_TIMEOUT"); v != "" {
		cfg.CapabilityTimeout = v
	}
	if v := os.Getenv("POSTFORGE_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TopK = n
		}
	}
	if v := os.Getenv("POSTFORGE_STOP_PREDICATE"); v != "" {
		cfg.StopPredicate = v
	}
	if v := os.Getenv("POSTFORGE_RANK_EXPRESSION"); v != "" {
		cfg.RankExpression = v
	}
	if v := os.Getenv("POSTFORGE_SEARCH_ENDPOINT"); v != "" {
		cfg.SearchEndpoint = v
	}
	if v := os.Getenv("POSTFORGE_SEARCH_API_KEY"); v != "" {
		cfg.SearchAPIKey = v
	}
	if v := os.Getenv("POSTFORGE_PUBLISH_ENDPOINT"); v != "" {
		cfg.PublishEndpoint = v
	}
	if v := os.Getenv("POSTFORGE_PUBLISH_API_KEY"); v != "" {
		cfg.PublishAPIKey = v
	}

	return cfg
}
