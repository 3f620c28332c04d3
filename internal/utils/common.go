package utils

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/twpayne/go-vfs/v4"
)

// ReadEnv parses an env file into a map.
func ReadEnv(file string) (map[string]string, error) {
	return godotenv.Read(file)
}

// LoadEnvFile reads an env file and exports its pairs into the process
// environment without clobbering values already set by the caller.
func LoadEnvFile(file string) error {
	env, err := godotenv.Read(file)
	if err != nil {
		return err
	}
	for k, v := range env {
		if _, set := os.LookupEnv(k); !set {
			if err := os.Setenv(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnvOrDefault returns the env var value or the given fallback when unset
// or empty.
func EnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvOrDefaultInt is EnvOrDefault for numeric vars. Unparseable values fall
// back as well, they never abort.
func EnvOrDefaultInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		Log.Debug().Str("key", key).Str("value", v).Msg("Ignoring non-numeric env override")
		return fallback
	}
	return n
}

// CleanupSlice removes empty or whitespace-only values from a slice.
func CleanupSlice(slice []string) []string {
	var cleaned []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleaned = append(cleaned, item)
	}
	return cleaned
}

// UniqueSlice removes duplicated values from a slice, keeping first-seen
// order.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var unique []string
	for _, entry := range slice {
		if _, found := keys[entry]; !found {
			keys[entry] = true
			unique = append(unique, entry)
		}
	}
	return unique
}

// CreateIfNotExists creates a directory path unless it is already there.
func CreateIfNotExists(fsys vfs.FS, path string) error {
	if _, err := fsys.Stat(path); os.IsNotExist(err) {
		return vfs.MkdirAll(fsys, path, os.ModePerm)
	}
	return nil
}
