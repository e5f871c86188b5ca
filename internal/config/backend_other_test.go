//go:build !darwin

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend_Sections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gencore", "config.json")
	b := openFileBackend(path)

	if err := b.SetInt("server.port", 4100); err != nil {
		t.Fatal(err)
	}
	if err := b.SetString("nostr.relays", "wss://a.example,wss://b.example"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["server"]["port"] != float64(4100) {
		t.Errorf("file = %s", data)
	}

	// A fresh backend sees what the first one wrote.
	b = openFileBackend(path)
	if port, ok, err := b.GetInt("server.port"); err != nil || !ok || port != 4100 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	if relays, ok, _ := b.GetString("nostr.relays"); !ok || relays != "wss://a.example,wss://b.example" {
		t.Errorf("GetString = %q, %v", relays, ok)
	}

	if err := b.Delete("server.port"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.GetInt("server.port"); ok {
		t.Error("server.port still present after Delete")
	}
	if err := b.Delete("server.port"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
}

func TestFileBackend_HandEditedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"nostr": {"relays": ["wss://a.example", "wss://b.example"]}, "orchestrator": {"attempts": 2.5}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	b := openFileBackend(path)

	if relays, _, _ := b.GetString("nostr.relays"); relays != "wss://a.example,wss://b.example" {
		t.Errorf("relays = %q", relays)
	}
	if _, ok, err := b.GetInt("orchestrator.attempts"); !ok || err == nil {
		t.Errorf("GetInt(2.5) = %v, %v, want an error", ok, err)
	}
}

func TestFileBackend_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	b := openFileBackend(path)
	if _, ok, _ := b.GetString("log.level"); ok {
		t.Error("corrupt file produced values")
	}
	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatal(err)
	}
}
