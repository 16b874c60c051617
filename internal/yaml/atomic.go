// Package yaml reads and writes leasepool's YAML state files: crash-safe
// replacement, a one-generation backup, and quarantine of corrupt files.
package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const tempPattern = ".leasepool-tmp-*.yaml"

// AtomicWrite encodes data and replaces path with it. The previous content
// survives as path.bak.
func AtomicWrite(path string, data any) error {
	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteRaw(path, buf.Bytes())
}

// AtomicWriteRaw replaces path with content if content parses as YAML.
// Readers see either the old file or the new one, never a partial write.
func AtomicWriteRaw(path string, content []byte) error {
	var probe yamlv3.Node
	if err := yamlv3.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("refusing to write invalid yaml to %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmpName, err := writeTemp(dir, content)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := backup(path); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	committed = true
	syncDir(dir)
	return nil
}

func writeTemp(dir string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(content)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", werr)
	}
	return name, nil
}

// backup copies the current path to path.bak. A missing path is not an error.
func backup(path string) error {
	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s for backup: %w", path, err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("sync backup: %w", err)
	}
	return dst.Close()
}

// syncDir makes the rename durable. Some filesystems cannot fsync a
// directory; that is ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ReadFile decodes path into v. A missing file reports (false, nil).
func ReadFile(path string, v any) (bool, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return true, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}
