// Package blob stores uploaded document files on the local filesystem,
// namespaced by {user_id}/{task_id}/{role}/{filename}.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store writes and reads upload blobs under a root directory.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// Save streams the upload to disk and returns the blob path relative to
// the store root.
func (s *Store) Save(userID, taskID, role, filename string, r io.Reader) (string, error) {
	rel, err := s.path(userID, taskID, role, filename)
	if err != nil {
		return "", err
	}

	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(abs)
		return "", fmt.Errorf("write blob: %w", err)
	}
	return rel, nil
}

// Open returns the blob contents for a path previously returned by Save.
func (s *Store) Open(rel string) (io.ReadCloser, error) {
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("invalid blob path: %s", rel)
	}
	return os.Open(filepath.Join(s.root, rel))
}

// OpenFile opens a blob by its path segments.
func (s *Store) OpenFile(userID, taskID, role, filename string) (io.ReadCloser, error) {
	rel, err := s.path(userID, taskID, role, filename)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.root, rel))
}

// List returns the filenames stored for one task role, sorted. A missing
// directory is an empty list.
func (s *Store) List(userID, taskID, role string) ([]string, error) {
	for _, seg := range []string{userID, taskID, role} {
		if err := validSegment(seg); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(filepath.Join(s.root, userID, taskID, role))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteTask removes every blob attached to a task.
func (s *Store) DeleteTask(userID, taskID string) error {
	if err := validSegment(userID); err != nil {
		return err
	}
	if err := validSegment(taskID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, userID, taskID))
}

func (s *Store) path(userID, taskID, role, filename string) (string, error) {
	filename = filepath.Base(filename)
	for _, seg := range []string{userID, taskID, role, filename} {
		if err := validSegment(seg); err != nil {
			return "", err
		}
	}
	return filepath.Join(userID, taskID, role, filename), nil
}

func validSegment(seg string) error {
	if seg == "" || seg == "." || seg == ".." ||
		strings.ContainsAny(seg, `/\`) {
		return fmt.Errorf("invalid blob path segment: %q", seg)
	}
	return nil
}
