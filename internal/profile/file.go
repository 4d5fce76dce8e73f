package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileRecord is the structured value of one user in the mapping file.
type fileRecord struct {
	VoiceID     int    `yaml:"voice_id"`
	DisplayName string `yaml:"display_name"`
}

// FileBackend stores profiles in a YAML mapping keyed by user id:
//
//	"123456789012345678":
//	  voice_id: 888753760
//	  display_name: Ann
//
// Legacy files whose values are bare voice ids are read as well.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend returns a backend for the file at path. The file does not
// need to exist yet.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load implements [Backend]. A missing file yields no profiles.
func (b *FileBackend) Load(_ context.Context) ([]Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Backend: "file", Err: err}
	}
	profiles, err := decodeMapping(data)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Backend: "file", Err: err}
	}
	return profiles, nil
}

// decodeMapping walks the YAML document by hand because values may be either
// a mapping or a bare integer.
func decodeMapping(data []byte) ([]Profile, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return nil, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: top level is not a mapping", root.Line)
	}

	profiles := make([]Profile, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		p := Profile{UserID: key.Value}
		switch val.Kind {
		case yaml.ScalarNode:
			id, err := strconv.Atoi(val.Value)
			if err != nil {
				return nil, fmt.Errorf("line %d: user %s: voice id %q is not an integer", val.Line, key.Value, val.Value)
			}
			p.VoiceID = id
			p.Legacy = true
		case yaml.MappingNode:
			var rec fileRecord
			if err := val.Decode(&rec); err != nil {
				return nil, fmt.Errorf("line %d: user %s: %w", val.Line, key.Value, err)
			}
			if rec.VoiceID == 0 {
				rec.VoiceID = DefaultVoiceID
			}
			p.VoiceID = rec.VoiceID
			p.DisplayName = rec.DisplayName
		default:
			return nil, fmt.Errorf("line %d: user %s: unexpected value", val.Line, key.Value)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Save implements [Backend]. The file is replaced atomically.
func (b *FileBackend) Save(_ context.Context, profiles []Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, p := range profiles {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: p.UserID}
		if _, err := strconv.ParseUint(p.UserID, 10, 64); err == nil {
			key.Tag = "!!int"
		}
		var val yaml.Node
		if err := val.Encode(fileRecord{VoiceID: p.VoiceID, DisplayName: p.DisplayName}); err != nil {
			return &PersistenceError{Op: "save", Backend: "file", Err: err}
		}
		root.Content = append(root.Content, key, &val)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return &PersistenceError{Op: "save", Backend: "file", Err: err}
	}
	if err := enc.Close(); err != nil {
		return &PersistenceError{Op: "save", Backend: "file", Err: err}
	}
	if err := writeFileAtomic(b.path, buf.Bytes()); err != nil {
		return &PersistenceError{Op: "save", Backend: "file", Err: err}
	}
	return nil
}

// Ping implements [Backend]. It checks that the directory holding the file
// exists.
func (b *FileBackend) Ping(_ context.Context) error {
	if _, err := os.Stat(filepath.Dir(b.path)); err != nil {
		return &PersistenceError{Op: "ping", Backend: "file", Err: err}
	}
	return nil
}

// Close implements [Backend].
func (b *FileBackend) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
