//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// defaultsDomain is the UserDefaults domain holding taskcheck's settable
// keys, e.g. `defaults write com.taskcheck.app server.port -int 4100`.
const defaultsDomain = "com.taskcheck.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskcheck-data"
	}
	return filepath.Join(home, "Library", "Application Support", "taskcheck")
}

func secretHint() string {
	return fmt.Sprintf(" or the Keychain item (service %s, account %s)", secretService, apiKeyAccount)
}

// darwinBackend shells out to defaults(1).
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) defaults(verb string, args ...string) *exec.Cmd {
	return exec.Command("defaults", append([]string{verb, b.domain}, args...)...)
}

// read reports ok=false when the key is unset; defaults exits 1 for that.
func (b *darwinBackend) read(key string) (string, bool, error) {
	out, err := b.defaults("read", key).CombinedOutput()
	val := strings.TrimSpace(string(out))
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return val, true, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		return "", false, nil
	}
	return "", false, fmt.Errorf("defaults read %s: %w (%s)", key, err, val)
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	val, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	return b.defaults("write", key, "-string", val).Run()
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.defaults("write", key, "-int", strconv.Itoa(val)).Run()
}

func (b *darwinBackend) Delete(key string) error {
	return b.defaults("delete", key).Run()
}
