// Package config loads process configuration from TWINOPS_-prefixed
// environment variables, with an optional YAML overlay file for local and
// development profiles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every knob the process reads at startup. Field names match
// the env var suffix after the TWINOPS_ prefix, lowercased and
// underscore-split.
type Config struct {
	TwinBaseURL     string `yaml:"twin_base_url"`
	MQTTBrokerHost  string `yaml:"mqtt_broker_host"`
	MQTTBrokerPort  int    `yaml:"mqtt_broker_port"`
	MQTTClientID    string `yaml:"mqtt_client_id"`
	LLMProvider     string `yaml:"llm_provider"`
	AASID           string `yaml:"aas_id"`
	RepoID          string `yaml:"repo_id"`
	LogLevel        string `yaml:"log_level"`
	AuditLogPath    string `yaml:"audit_log_path"`

	PolicyPublicKeyHex string `yaml:"policy_public_key_hex"`
	PolicySubmodel     string `yaml:"policy_submodel"`
	PolicyPath         string `yaml:"policy_path"`

	PolicyCacheTTLSeconds     int `yaml:"policy_cache_ttl_seconds"`
	PolicyMaxAgeSeconds       int `yaml:"policy_max_age_seconds"`
	ApprovalTTLSeconds        int `yaml:"approval_ttl_seconds"`
	TwinClientFailureThreshold int `yaml:"twin_client_failure_threshold"`
	TwinClientRecoveryTimeoutSeconds int `yaml:"twin_client_recovery_timeout_seconds"`
	TwinClientHalfOpenMaxCalls int `yaml:"twin_client_half_open_max_calls"`
	TwinClientMaxConcurrency  int `yaml:"twin_client_max_concurrency"`
	ToolConcurrencyLimit      int `yaml:"tool_concurrency_limit"`
	LLMConcurrencyLimit       int `yaml:"llm_concurrency_limit"`

	OpServiceHMACKeyID string `yaml:"opservice_hmac_key_id"`
	OpServiceHMACSecret string `yaml:"opservice_hmac_secret"`

	AuditRotateAfterEntries uint64 `yaml:"audit_rotate_after_entries"`
	AuditArchiveBucket      string `yaml:"audit_archive_bucket"`
	AuditArchiveRegion      string `yaml:"audit_archive_region"`
	AuditArchiveEndpoint    string `yaml:"audit_archive_endpoint"`
	AuditArchivePrefix      string `yaml:"audit_archive_prefix"`
}

// Defaults mirror the illustrative values a fresh deployment should be
// able to run with against a local AAS sandbox.
func Defaults() Config {
	return Config{
		TwinBaseURL:                      "http://localhost:8081",
		MQTTBrokerHost:                   "localhost",
		MQTTBrokerPort:                   1883,
		MQTTClientID:                     "twinops",
		LLMProvider:                      "local",
		AASID:                            "urn:aas:default",
		RepoID:                           "default-repo",
		LogLevel:                         "info",
		AuditLogPath:                     "./twinops-audit.jsonl",
		PolicySubmodel:                   "Policy",
		PolicyPath:                       "CurrentPolicy",
		PolicyCacheTTLSeconds:            30,
		PolicyMaxAgeSeconds:              300,
		ApprovalTTLSeconds:               int((24 * time.Hour).Seconds()),
		TwinClientFailureThreshold:       5,
		TwinClientRecoveryTimeoutSeconds: 30,
		TwinClientHalfOpenMaxCalls:       1,
		TwinClientMaxConcurrency:         16,
		ToolConcurrencyLimit:             8,
		LLMConcurrencyLimit:              4,
	}
}

// Load reads TWINOPS_CONFIG_FILE (if set) as a YAML overlay on top of
// Defaults(), then applies any TWINOPS_-prefixed environment variables on
// top of that, so an operator can override a checked-in profile file from
// the command line without editing it.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("TWINOPS_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.TwinBaseURL, "TWINOPS_TWIN_BASE_URL")
	str(&cfg.MQTTBrokerHost, "TWINOPS_MQTT_BROKER_HOST")
	intVar(&cfg.MQTTBrokerPort, "TWINOPS_MQTT_BROKER_PORT")
	str(&cfg.MQTTClientID, "TWINOPS_MQTT_CLIENT_ID")
	str(&cfg.LLMProvider, "TWINOPS_LLM_PROVIDER")
	str(&cfg.AASID, "TWINOPS_AAS_ID")
	str(&cfg.RepoID, "TWINOPS_REPO_ID")
	str(&cfg.LogLevel, "TWINOPS_LOG_LEVEL")
	str(&cfg.AuditLogPath, "TWINOPS_AUDIT_LOG_PATH")
	str(&cfg.PolicyPublicKeyHex, "TWINOPS_POLICY_PUBLIC_KEY_HEX")
	str(&cfg.PolicySubmodel, "TWINOPS_POLICY_SUBMODEL")
	str(&cfg.PolicyPath, "TWINOPS_POLICY_PATH")
	intVar(&cfg.PolicyCacheTTLSeconds, "TWINOPS_POLICY_CACHE_TTL_SECONDS")
	intVar(&cfg.PolicyMaxAgeSeconds, "TWINOPS_POLICY_MAX_AGE_SECONDS")
	intVar(&cfg.ApprovalTTLSeconds, "TWINOPS_APPROVAL_TTL_SECONDS")
	intVar(&cfg.TwinClientFailureThreshold, "TWINOPS_TWIN_CLIENT_FAILURE_THRESHOLD")
	intVar(&cfg.TwinClientRecoveryTimeoutSeconds, "TWINOPS_TWIN_CLIENT_RECOVERY_TIMEOUT_SECONDS")
	intVar(&cfg.TwinClientHalfOpenMaxCalls, "TWINOPS_TWIN_CLIENT_HALF_OPEN_MAX_CALLS")
	intVar(&cfg.TwinClientMaxConcurrency, "TWINOPS_TWIN_CLIENT_MAX_CONCURRENCY")
	intVar(&cfg.ToolConcurrencyLimit, "TWINOPS_TOOL_CONCURRENCY_LIMIT")
	intVar(&cfg.LLMConcurrencyLimit, "TWINOPS_LLM_CONCURRENCY_LIMIT")
	str(&cfg.OpServiceHMACKeyID, "TWINOPS_OPSERVICE_HMAC_KEY_ID")
	str(&cfg.OpServiceHMACSecret, "TWINOPS_OPSERVICE_HMAC_SECRET")
	uint64Var(&cfg.AuditRotateAfterEntries, "TWINOPS_AUDIT_ROTATE_AFTER_ENTRIES")
	str(&cfg.AuditArchiveBucket, "TWINOPS_AUDIT_ARCHIVE_BUCKET")
	str(&cfg.AuditArchiveRegion, "TWINOPS_AUDIT_ARCHIVE_REGION")
	str(&cfg.AuditArchiveEndpoint, "TWINOPS_AUDIT_ARCHIVE_ENDPOINT")
	str(&cfg.AuditArchivePrefix, "TWINOPS_AUDIT_ARCHIVE_PREFIX")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func uint64Var(dst *uint64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return
	}
	*dst = n
}
