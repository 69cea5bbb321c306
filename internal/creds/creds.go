// Package creds stores the agent's server credentials: the auth token
// presented at registration and the shared secret used to verify
// signed server commands. The file is owner-readable only.
package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Credentials is the persisted credential set.
type Credentials struct {
	AuthToken    string    `json:"auth_token,omitempty"`
	SharedSecret string    `json:"shared_secret,omitempty"`
	RotatedAt    time.Time `json:"rotated_at,omitempty"`
}

// File is a credential file with in-memory cache.
type File struct {
	mu    sync.RWMutex
	path  string
	creds Credentials
}

// Open loads credentials from path. A missing file yields empty
// credentials; the file appears on first write.
func Open(path string) (*File, error) {
	f := &File{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &f.creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return f, nil
}

// Current returns a copy of the stored credentials.
func (f *File) Current() Credentials {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.creds
}

// Seed fills in any credential that is still empty, without
// overwriting values already on disk. Used to carry config-provided
// values into the store on first run.
func (f *File) Seed(token, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := false
	if f.creds.AuthToken == "" && token != "" {
		f.creds.AuthToken = token
		changed = true
	}
	if f.creds.SharedSecret == "" && secret != "" {
		f.creds.SharedSecret = secret
		changed = true
	}
	if !changed {
		return nil
	}
	return f.writeLocked()
}

// RotateSecret replaces the shared secret and persists immediately.
func (f *File) RotateSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("empty shared secret")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.SharedSecret = secret
	f.creds.RotatedAt = time.Now().UTC()
	return f.writeLocked()
}

// SetToken replaces the auth token and persists immediately.
func (f *File) SetToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.AuthToken = token
	return f.writeLocked()
}

func (f *File) writeLocked() error {
	data, err := json.MarshalIndent(f.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
