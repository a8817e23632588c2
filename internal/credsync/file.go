package credsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const authModePasswords = "passwords"

// readDocument loads the tunnel server's config. A missing or unreadable
// document starts from an empty object so a sync can always proceed.
func readDocument(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to read tunnel config, starting from empty document", "path", path, "error", err)
		}
		return map[string]any{}
	}

	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("Tunnel config is not a JSON object, starting from empty document", "path", path, "error", err)
		return map[string]any{}
	}
	return doc
}

// applyCredentials rewrites auth.mode and auth.config and keeps every other
// key of the document untouched.
func applyCredentials(doc map[string]any, creds []string) {
	auth, ok := doc["auth"].(map[string]any)
	if !ok {
		auth = map[string]any{}
	}
	auth["mode"] = authModePasswords
	auth["config"] = creds
	doc["auth"] = auth
}

func writeDocument(path string, doc map[string]any) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tunnel config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o600); err != nil {
		return fmt.Errorf("write temporary tunnel config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist tunnel config: %w", err)
	}
	return nil
}
