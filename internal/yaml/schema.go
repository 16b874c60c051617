package yaml

import (
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

const (
	FileTypeLedger = "ledger"
	FileTypeTasks  = "tasks"
	FileTypeBoard  = "board"
)

// ErrSchema wraps every header validation failure.
var ErrSchema = errors.New("bad schema header")

// Header opens every leasepool state file.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(fileType string) Header {
	return Header{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

func knownFileType(t string) bool {
	switch t {
	case FileTypeLedger, FileTypeTasks, FileTypeBoard:
		return true
	}
	return false
}

// Check validates h. An empty want accepts any known file type.
func (h Header) Check(want string) error {
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("%w: schema_version %d must be >= 1", ErrSchema, h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("%w: schema_version %d is newer than %d", ErrSchema, h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return fmt.Errorf("%w: missing file_type", ErrSchema)
	case !knownFileType(h.FileType):
		return fmt.Errorf("%w: unknown file_type %q", ErrSchema, h.FileType)
	case want != "" && h.FileType != want:
		return fmt.Errorf("%w: file_type %q, want %q", ErrSchema, h.FileType, want)
	}
	return nil
}

func ValidateSchemaHeader(path, want string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return ValidateSchemaHeaderFromBytes(content, want)
}

func ValidateSchemaHeaderFromBytes(content []byte, want string) error {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return h.Check(want)
}
