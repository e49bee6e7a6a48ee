package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given). Missing files are ignored; existing variables are never overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// EnvString returns a trimmed, non-empty environment value.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses an integer environment value.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses a Go duration environment value such as "750ms".
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvBool parses a boolean environment value.
func EnvBool(key string) (bool, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overrides cfg with OPDS_* environment variables.
func ApplyEnv(cfg *Config) error {
	if value, ok := EnvString("OPDS_URL"); ok {
		cfg.RootURL = value
	}
	if value, ok := EnvString("OPDS_CATALOGS_FILE"); ok {
		cfg.CatalogsFile = value
	}
	if value, ok := EnvString("OPDS_LIBRARY_DB"); ok {
		cfg.LibraryDB = value
	}
	if value, ok := EnvString("OPDS_USER_AGENT"); ok {
		cfg.UserAgent = value
	}
	if value, ok := EnvString("OPDS_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}

	if value, ok, err := EnvDuration("OPDS_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.Timeout = value
	}
	if value, ok, err := EnvInt("OPDS_MAX_RETRIES"); err != nil {
		return err
	} else if ok {
		cfg.MaxRetries = value
	}
	if value, ok, err := EnvDuration("OPDS_RETRY_BACKOFF"); err != nil {
		return err
	} else if ok {
		cfg.RetryBackoff = value
	}
	if value, ok, err := EnvInt("OPDS_MAX_PAGES"); err != nil {
		return err
	} else if ok {
		cfg.MaxPages = value
	}
	if value, ok, err := EnvBool("OPDS_HIDE_NEWSPAPERS"); err != nil {
		return err
	} else if ok {
		cfg.HideNewspapers = value
	}
	if value, ok, err := EnvBool("OPDS_HIDE_IN_LIBRARY"); err != nil {
		return err
	} else if ok {
		cfg.HideInLibrary = value
	}
	return nil
}
