// Package common holds functions and structs that are used throughout all other
// packages in this repository.
// It mainly provides the state directory, id generation, and the process logger.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// StateDirEnv overrides the manifold state directory when set.
const StateDirEnv = "MANIFOLD_DIR"

// StateDir returns the manifold state directory (~/.manifold by default,
// MANIFOLD_DIR when set).
func StateDir() (string, error) {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".manifold"), nil
}

// GetCurrentWorkingDir gets the current working directory.
func GetCurrentWorkingDir() string {
	pwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return pwd
}

// GetSecondsFromInt returns a duration (in seconds) for a provided int value.
func GetSecondsFromInt(i int) time.Duration {
	return time.Duration(i) * time.Second
}

var urlNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// IsURLCompliant checks if a name is URL-safe (alphanumeric, dash, underscore only).
// Names must start with an alphanumeric character so they can be used in URL
// paths like /mcp/<endpoint>/sse without escaping.
func IsURLCompliant(name string) bool {
	return urlNamePattern.MatchString(name)
}

// NewSessionID returns a time-ordered unique id for client sessions.
// Falls back to a timestamp-based id if UUID generation fails.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("sess_%d", time.Now().UnixMicro())
	}
	return id.String()
}

// NewRequestID returns a unique id for correlating proxied requests in logs.
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixMicro())
	}
	return id.String()
}

// ShortID returns a short stable prefix of an id, used when a readable
// discriminator is needed (catalog collision prefixes, log lines).
func ShortID(id string) string {
	const n = 8
	trimmed := make([]rune, 0, n)
	for _, r := range id {
		if r == '-' {
			continue
		}
		trimmed = append(trimmed, r)
		if len(trimmed) == n {
			break
		}
	}
	return string(trimmed)
}
