package cobot_us

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// ErrNoSettings is returned by a SettingsStore that has nothing saved yet.
var ErrNoSettings = errors.New("no saved settings")

// SettingsStore persists settings across restarts.
type SettingsStore interface {
	Load(ctx context.Context) (SettingsSnapshot, error)
	Save(ctx context.Context, s SettingsSnapshot) error
}

// FileSettingsStore keeps settings as indented JSON on disk.
type FileSettingsStore struct {
	path string
}

// ResolveDataPath places relative paths under VIAM_MODULE_DATA, or /tmp when
// that is unset.
func ResolveDataPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, path)
}

func NewFileSettingsStore(path string) *FileSettingsStore {
	return &FileSettingsStore{path: ResolveDataPath(path)}
}

func (f *FileSettingsStore) Path() string {
	return f.path
}

// Load reads the file. Fields missing from the file keep their defaults.
func (f *FileSettingsStore) Load(_ context.Context) (SettingsSnapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SettingsSnapshot{}, ErrNoSettings
		}
		return SettingsSnapshot{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		return SettingsSnapshot{}, fmt.Errorf("failed to parse settings JSON: %w", err)
	}
	return s, nil
}

func (f *FileSettingsStore) Save(_ context.Context, s SettingsSnapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// RedisSettingsStore keeps settings as a JSON string under a single key, so
// several hosts driving the same arm share one center pose.
type RedisSettingsStore struct {
	client *redis.Client
	key    string
}

func NewRedisSettingsStore(client *redis.Client, key string) *RedisSettingsStore {
	if key == "" {
		key = "cobot_us:settings"
	}
	return &RedisSettingsStore{client: client, key: key}
}

func (r *RedisSettingsStore) Load(ctx context.Context) (SettingsSnapshot, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if err == redis.Nil {
			return SettingsSnapshot{}, ErrNoSettings
		}
		return SettingsSnapshot{}, fmt.Errorf("failed to get settings from Redis: %w", err)
	}

	s := DefaultSettings()
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return SettingsSnapshot{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return s, nil
}

func (r *RedisSettingsStore) Save(ctx context.Context, s SettingsSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save settings to Redis: %w", err)
	}
	return nil
}
