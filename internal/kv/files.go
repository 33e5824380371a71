package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// LocalFileStorage holds value payloads on the local filesystem under a
// content-addressed layout rooted at dataDir. Each namespace gets its own
// subdirectory, and within it payloads are addressed by their SHA-256
// hexadecimal hash, with the first two characters used as a subdirectory
// prefix.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

// PayloadPath computes the full filesystem path for the payload identified
// by hashHex within the given namespace.
func PayloadPath(directory string, namespace string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(directory, namespace, hashHex[:2], hashHex), nil
}

// locateExistingPayload finds copies of the same payload in other
// namespaces that can be hard-linked instead of written again.
func locateExistingPayload(directory string, target string, hashHex string, size int64) []string {
	pattern := filepath.Join(directory, "*", hashHex[:2], hashHex)
	matches, _ := filepath.Glob(pattern)

	results := make([]string, 0, len(matches))
	for _, existing := range matches {
		if existing == target {
			continue
		}

		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() || info.Size() != size {
			continue
		}

		results = append(results, existing)
	}

	return results
}

// PutFromFile stores a payload whose bytes already exist on disk at
// tempPath. The temp file is either moved into place or left for the caller
// to remove when an identical payload could be linked instead.
func (s *LocalFileStorage) PutFromFile(namespace string, hashHex string, tempPath string, size int64) error {
	target, err := PayloadPath(s.dataDir, namespace, hashHex)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() && info.Size() == size {
		return nil
	}

	for _, existing := range locateExistingPayload(s.dataDir, target, hashHex, size) {
		if err := CopyOrLinkFile(existing, target); err == nil {
			return nil
		}
	}

	return MoveFile(tempPath, target)
}

// Open opens the payload for reading.
func (s *LocalFileStorage) Open(namespace string, hashHex string) (*os.File, error) {
	path, err := PayloadPath(s.dataDir, namespace, hashHex)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Remove deletes the payload. A payload that is already gone is not an error.
func (s *LocalFileStorage) Remove(namespace string, hashHex string) error {
	path, err := PayloadPath(s.dataDir, namespace, hashHex)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = destFile.ReadFrom(srcFile)
	return err
}

// CopyOrLinkFile attempts to create a hard link from srcPath to destPath.
// If that fails, it falls back to copying the file contents.
func CopyOrLinkFile(srcPath string, destPath string) error {
	if srcPath == destPath {
		return nil
	}

	// Linking onto an existing file would truncate whatever it shares an
	// inode with, so break that link first.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	return CopyFile(srcPath, destPath)
}

// MoveFile renames srcPath to destPath, copying across filesystems when a
// rename is not possible.
func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := CopyOrLinkFile(srcPath, destPath); err != nil {
		return err
	}

	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
