package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds catalog client configuration.
type Config struct {
	RootURL            string
	CatalogsFile       string
	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	MaxPages           int
	UserAgent          string
	ContinuationBuffer int
	StopTimeout        time.Duration
	LibraryDB          string
	LibraryCacheSize   int
	HideNewspapers     bool
	HideInLibrary      bool
	OutputFile         string
	OutputFormat       string // csv, json, or dual
	MetricsAddr        string
	Verbose            bool
}

// DefaultConfig returns conservative defaults for a home calibre server.
func DefaultConfig() *Config {
	return &Config{
		RootURL:            "http://localhost:8080/opds",
		CatalogsFile:       "",
		Timeout:            10 * time.Second,
		MaxRetries:         2,
		RetryBackoff:       500 * time.Millisecond,
		MaxPages:           500,
		UserAgent:          "go-opds-catalog/1.0 (+https://github.com/aluiziolira/go-opds-catalog)",
		ContinuationBuffer: 4,
		StopTimeout:        2 * time.Second,
		LibraryDB:          "",
		LibraryCacheSize:   4096,
		HideNewspapers:     false,
		HideInLibrary:      false,
		OutputFile:         "output/catalog.csv",
		OutputFormat:       "csv",
		MetricsAddr:        "",
		Verbose:            false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.RootURL == "" {
		return fmt.Errorf("root URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.RootURL)
	if err != nil {
		return fmt.Errorf("invalid root URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("root URL must include a host")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("root URL scheme must be http or https")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.ContinuationBuffer < 0 {
		return fmt.Errorf("continuation buffer cannot be negative")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop timeout must be positive")
	}
	if c.LibraryCacheSize <= 0 {
		return fmt.Errorf("library cache size must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}

	return nil
}
