package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupt file into <baseDir>/quarantine and returns its new path.
func Quarantine(baseDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies path.bak over path if the backup parses and carries
// the expected schema header.
func RestoreFromBackup(filePath, fileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// GenerateSkeleton writes an empty document of fileType.
func GenerateSkeleton(filePath, fileType string) error {
	h := NewHeader(fileType)
	skeleton := map[string]any{
		"schema_version": h.SchemaVersion,
		"file_type":      h.FileType,
	}
	switch fileType {
	case FileTypeLedger:
		skeleton["claims"] = map[string]any{}
	case FileTypeTasks:
		skeleton["tasks"] = []any{}
	}
	return AtomicWrite(filePath, skeleton)
}

// Recovery describes what RecoverCorruptedFile did.
type Recovery struct {
	QuarantinedTo string
	FromBackup    bool
}

// RecoverCorruptedFile quarantines filePath, then restores the backup or
// falls back to an empty skeleton.
func RecoverCorruptedFile(baseDir, filePath, fileType string) (Recovery, error) {
	var rec Recovery
	dst, err := Quarantine(baseDir, filePath)
	if err != nil {
		return rec, fmt.Errorf("quarantine failed: %w", err)
	}
	rec.QuarantinedTo = dst

	if err := RestoreFromBackup(filePath, fileType); err == nil {
		rec.FromBackup = true
		return rec, nil
	}

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return rec, fmt.Errorf("skeleton generation failed: %w", err)
	}
	return rec, nil
}
