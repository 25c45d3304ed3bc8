package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileRecordVersion = 1

// File stores one JSON document per key inside Dir. Writes go through a
// temp file and a rename so readers never see a partial document.
type File struct {
	dir string

	persistMu sync.Mutex
}

type persistedSessionFile struct {
	Version int    `json:"version"`
	Key     string `json:"key"`
	Data    []byte `json:"data"`
	SavedAt int64  `json:"savedAt"`
}

func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("file store: missing directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file store: mkdir %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(key string) (string, error) {
	if !validFileKey(key) {
		return "", fmt.Errorf("file store: invalid key %q", key)
	}
	return filepath.Join(f.dir, "session-"+key+".json"), nil
}

func validFileKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (f *File) Get(_ context.Context, key string) (Record, error) {
	path, err := f.path(key)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if len(data) == 0 {
		return Record{}, ErrNotFound
	}

	var file persistedSessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Record{}, fmt.Errorf("file store: decode %s: %w", path, err)
	}
	if file.Version != fileRecordVersion {
		return Record{}, errors.New("file store: unsupported session file version")
	}
	return Record{Key: key, Data: file.Data, UpdatedAt: time.UnixMilli(file.SavedAt).UTC()}, nil
}

func (f *File) Put(_ context.Context, rec Record) error {
	path, err := f.path(rec.Key)
	if err != nil {
		return err
	}

	f.persistMu.Lock()
	defer f.persistMu.Unlock()

	file := persistedSessionFile{Version: fileRecordVersion, Key: rec.Key, Data: rec.Data, SavedAt: rec.UpdatedAt.UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(f.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("file store: rename: %w", err)
	}
	return nil
}

func (f *File) Remove(_ context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}

	f.persistMu.Lock()
	defer f.persistMu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *File) Close() error { return nil }
