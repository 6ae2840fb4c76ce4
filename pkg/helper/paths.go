package helper

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// EnvConfigDir overrides the directories searched for configuration files
	EnvConfigDir = "KEYRELAY_CONFIG_DIR"

	defaultConfigDir = "/etc/keyrelay"
	defaultPIDFile   = "/var/run/keyrelay.pid"
)

// GetCfgPath returns the path to the configuration file.
//
// Priority:
// 1. If filename is an absolute path, return it directly.
// 2. $KEYRELAY_CONFIG_DIR/{filename} when the variable is set and the file exists.
// 3. ./{filename}, then ./configs/{filename}.
// 4. Otherwise, fallback to /etc/keyrelay/{filename}.
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}
	if filepath.IsAbs(filename) {
		return filename
	}

	var candidates []string
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		candidates = append(candidates, filepath.Join(dir, filename))
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		candidates = append(candidates,
			filepath.Join(wd, filename),
			filepath.Join(wd, "configs", filename))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			if abs, err := filepath.Abs(c); err == nil {
				return abs
			}
		}
	}
	return filepath.Join(defaultConfigDir, filename)
}

// GetPIDPath resolves a relative pid file against the working directory when
// its parent directory exists, and falls back to /var/run/keyrelay.pid.
func GetPIDPath(filename string) string {
	if filename == "" {
		return defaultPIDFile
	}
	if filepath.IsAbs(filename) {
		return filename
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return defaultPIDFile
	}
	if _, err := os.Stat(filepath.Dir(abs)); err != nil {
		return defaultPIDFile
	}
	return abs
}

// WritePID writes the current process id to path, creating its directory
func WritePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// ReadPID reads a pid file written by WritePID
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
