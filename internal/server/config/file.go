package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/otpkeeper/internal/flagx"
	"github.com/dmitrijs2005/otpkeeper/internal/timex"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of the configuration. Durations go through
// timex.Duration so both "30s" and integer nanoseconds are accepted.
type fileConfig struct {
	HTTPAddr           string         `json:"http_addr" yaml:"http_addr"`
	GRPCAddr           string         `json:"grpc_addr" yaml:"grpc_addr"`
	DatabaseDSN        string         `json:"database_dsn" yaml:"database_dsn"`
	JWTSecret          string         `json:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry          timex.Duration `json:"jwt_expiry" yaml:"jwt_expiry"`
	EncryptionSecret   string         `json:"encryption_secret" yaml:"encryption_secret"`
	OAuthClientID      string         `json:"oauth_client_id" yaml:"oauth_client_id"`
	OAuthClientSecret  string         `json:"oauth_client_secret" yaml:"oauth_client_secret"`
	OAuthRedirectURL   string         `json:"oauth_redirect_url" yaml:"oauth_redirect_url"`
	OAuthStateSecret   string         `json:"oauth_state_secret" yaml:"oauth_state_secret"`
	ClientURL          string         `json:"client_url" yaml:"client_url"`
	MailProvider       string         `json:"mail_provider" yaml:"mail_provider"`
	IMAPAddr           string         `json:"imap_addr" yaml:"imap_addr"`
	OTPSender          string         `json:"otp_sender" yaml:"otp_sender"`
	OTPSubject         string         `json:"otp_subject" yaml:"otp_subject"`
	PollInterval       timex.Duration `json:"poll_interval" yaml:"poll_interval"`
	PollConcurrency    int            `json:"poll_concurrency" yaml:"poll_concurrency"`
	SearchTimeout      timex.Duration `json:"search_timeout" yaml:"search_timeout"`
	MaxResults         int64          `json:"max_results" yaml:"max_results"`
	OTPTTL             timex.Duration `json:"otp_ttl" yaml:"otp_ttl"`
	ShareCacheTTL      timex.Duration `json:"share_cache_ttl" yaml:"share_cache_ttl"`
	ShareCacheSize     int            `json:"share_cache_size" yaml:"share_cache_size"`
	ShareNotify        bool           `json:"share_notify" yaml:"share_notify"`
	ClientCacheSize    int            `json:"client_cache_size" yaml:"client_cache_size"`
	ClientCacheTTL     timex.Duration `json:"client_cache_ttl" yaml:"client_cache_ttl"`
	AuditS3Bucket      string         `json:"audit_s3_bucket" yaml:"audit_s3_bucket"`
	AuditS3Region      string         `json:"audit_s3_region" yaml:"audit_s3_region"`
	AuditS3Endpoint    string         `json:"audit_s3_endpoint" yaml:"audit_s3_endpoint"`
	AuditS3AccessKey   string         `json:"audit_s3_access_key" yaml:"audit_s3_access_key"`
	AuditS3SecretKey   string         `json:"audit_s3_secret_key" yaml:"audit_s3_secret_key"`
	AuditFlushInterval timex.Duration `json:"audit_flush_interval" yaml:"audit_flush_interval"`
	AuditBatchSize     int            `json:"audit_batch_size" yaml:"audit_batch_size"`
	LogLevel           string         `json:"log_level" yaml:"log_level"`
	LogFormat          string         `json:"log_format" yaml:"log_format"`
}

func toFile(c *Config) *fileConfig {
	return &fileConfig{
		HTTPAddr:           c.HTTPAddr,
		GRPCAddr:           c.GRPCAddr,
		DatabaseDSN:        c.DatabaseDSN,
		JWTSecret:          c.JWTSecret,
		JWTExpiry:          timex.Duration{Duration: c.JWTExpiry},
		EncryptionSecret:   c.EncryptionSecret,
		OAuthClientID:      c.OAuthClientID,
		OAuthClientSecret:  c.OAuthClientSecret,
		OAuthRedirectURL:   c.OAuthRedirectURL,
		OAuthStateSecret:   c.OAuthStateSecret,
		ClientURL:          c.ClientURL,
		MailProvider:       c.MailProvider,
		IMAPAddr:           c.IMAPAddr,
		OTPSender:          c.OTPSender,
		OTPSubject:         c.OTPSubject,
		PollInterval:       timex.Duration{Duration: c.PollInterval},
		PollConcurrency:    c.PollConcurrency,
		SearchTimeout:      timex.Duration{Duration: c.SearchTimeout},
		MaxResults:         c.MaxResults,
		OTPTTL:             timex.Duration{Duration: c.OTPTTL},
		ShareCacheTTL:      timex.Duration{Duration: c.ShareCacheTTL},
		ShareCacheSize:     c.ShareCacheSize,
		ShareNotify:        c.ShareNotify,
		ClientCacheSize:    c.ClientCacheSize,
		ClientCacheTTL:     timex.Duration{Duration: c.ClientCacheTTL},
		AuditS3Bucket:      c.AuditS3Bucket,
		AuditS3Region:      c.AuditS3Region,
		AuditS3Endpoint:    c.AuditS3Endpoint,
		AuditS3AccessKey:   c.AuditS3AccessKey,
		AuditS3SecretKey:   c.AuditS3SecretKey,
		AuditFlushInterval: timex.Duration{Duration: c.AuditFlushInterval},
		AuditBatchSize:     c.AuditBatchSize,
		LogLevel:           c.LogLevel,
		LogFormat:          c.LogFormat,
	}
}

func (f *fileConfig) apply(c *Config) {
	c.HTTPAddr = f.HTTPAddr
	c.GRPCAddr = f.GRPCAddr
	c.DatabaseDSN = f.DatabaseDSN
	c.JWTSecret = f.JWTSecret
	c.JWTExpiry = f.JWTExpiry.Duration
	c.EncryptionSecret = f.EncryptionSecret
	c.OAuthClientID = f.OAuthClientID
	c.OAuthClientSecret = f.OAuthClientSecret
	c.OAuthRedirectURL = f.OAuthRedirectURL
	c.OAuthStateSecret = f.OAuthStateSecret
	c.ClientURL = f.ClientURL
	c.MailProvider = f.MailProvider
	c.IMAPAddr = f.IMAPAddr
	c.OTPSender = f.OTPSender
	c.OTPSubject = f.OTPSubject
	c.PollInterval = f.PollInterval.Duration
	c.PollConcurrency = f.PollConcurrency
	c.SearchTimeout = f.SearchTimeout.Duration
	c.MaxResults = f.MaxResults
	c.OTPTTL = f.OTPTTL.Duration
	c.ShareCacheTTL = f.ShareCacheTTL.Duration
	c.ShareCacheSize = f.ShareCacheSize
	c.ShareNotify = f.ShareNotify
	c.ClientCacheSize = f.ClientCacheSize
	c.ClientCacheTTL = f.ClientCacheTTL.Duration
	c.AuditS3Bucket = f.AuditS3Bucket
	c.AuditS3Region = f.AuditS3Region
	c.AuditS3Endpoint = f.AuditS3Endpoint
	c.AuditS3AccessKey = f.AuditS3AccessKey
	c.AuditS3SecretKey = f.AuditS3SecretKey
	c.AuditFlushInterval = f.AuditFlushInterval.Duration
	c.AuditBatchSize = f.AuditBatchSize
	c.LogLevel = f.LogLevel
	c.LogFormat = f.LogFormat
}

// parseFile overlays the file named by -c/-config onto config. Keys absent
// from the file keep their current value. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func parseFile(config *Config) error {
	path := flagx.ConfigFileFlag()
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	f := toFile(config)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, f)
	default:
		err = json.Unmarshal(data, f)
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	f.apply(config)
	return nil
}
