package boltscope

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrFormat is the cause of every FormatError.
	ErrFormat = errors.New("malformed database file")

	// ErrCorrupted is returned when both meta pages of a file are invalid.
	// This typically occurs when a file is not a database.
	ErrCorrupted = errors.New("both meta pages are invalid")

	// ErrBounds is the cause of every BoundsError.
	ErrBounds = errors.New("page out of bounds")

	// ErrNotFound is reported for absent buckets and keys.
	ErrNotFound = errors.New("not found")

	// ErrDatabaseNotOpen is returned when a DB instance is accessed before it
	// is opened or after it is closed.
	ErrDatabaseNotOpen = errors.New("database not open")

	// ErrLockTimeout is returned when a shared lock on the data file cannot
	// be obtained within Options.Timeout.
	ErrLockTimeout = errors.New("timeout")

	// ErrReadByOther is returned when another process holds an exclusive
	// lock and no timeout was configured.
	ErrReadByOther = errors.New("db locked exclusively by another process")
)

// FormatError reports a page or header that violates the file format.
type FormatError struct {
	Page   PageID
	Offset int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("page %d offset %d: %s", e.Page, e.Offset, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

func formatErrorf(id PageID, offset int, format string, args ...interface{}) error {
	return errors.WithStack(&FormatError{Page: id, Offset: offset, Reason: fmt.Sprintf(format, args...)})
}

// CorruptionError carries the validation failures of both meta candidates.
type CorruptionError struct {
	Meta0 error
	Meta1 error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: meta0: %v; meta1: %v", ErrCorrupted, e.Meta0, e.Meta1)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }

// BoundsError reports a page request outside the allocated range or the file.
type BoundsError struct {
	Page PageID
	// Max is the high-water mark recorded in the authoritative meta.
	Max PageID
	// Offset and Size describe the requested byte range when it ran past
	// the end of the file.
	Offset int64
	Size   int64
}

func (e *BoundsError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("page %d: byte range [%d, %d) beyond end of file", e.Page, e.Offset, e.Offset+e.Size)
	}
	return fmt.Sprintf("page %d: beyond high-water mark %d", e.Page, e.Max)
}

func (e *BoundsError) Is(target error) bool { return target == ErrBounds }

// NotFoundError is the negative result of a bucket or key lookup.
type NotFoundError struct {
	Path [][]byte
	Key  []byte
}

func (e *NotFoundError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("key %q not found in bucket %q", e.Key, JoinPath(e.Path))
	}
	return fmt.Sprintf("bucket %q not found", JoinPath(e.Path))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsNotFound reports whether err is a negative lookup result.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// PathSeparator joins bucket names in the tabular output.
const PathSeparator = "/"

// JoinPath renders a bucket path for display.
func JoinPath(path [][]byte) string {
	names := make([]string, len(path))
	for i, p := range path {
		names[i] = string(p)
	}
	return strings.Join(names, PathSeparator)
}

// SplitPath is the inverse of JoinPath. Empty segments are dropped.
func SplitPath(s string) [][]byte {
	var path [][]byte
	for _, name := range strings.Split(s, PathSeparator) {
		if name != "" {
			path = append(path, []byte(name))
		}
	}
	return path
}
