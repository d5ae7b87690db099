package receipts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Receipt is a downloaded payment document.
type Receipt struct {
	PaymentID   int64
	DocumentID  int64
	Filename    string
	ContentType string
	Data        []byte
}

// Sink stores receipts and returns where they ended up.
type Sink interface {
	Save(ctx context.Context, r Receipt) (string, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._\- ]+`)

// ObjectName returns a storage safe name for r, falling back to the
// document id when the backend sent no usable filename.
func ObjectName(r Receipt) string {
	name := filepath.Base(strings.ReplaceAll(r.Filename, "\\", "/"))
	name = strings.TrimSpace(unsafeChars.ReplaceAllString(name, "_"))
	if name == "" || name == "." || name == ".." || strings.Trim(name, "_.") == "" {
		name = fmt.Sprintf("documento-%d.pdf", r.DocumentID)
	}
	return name
}

// DirSink writes receipts to a local directory.
type DirSink struct {
	dir string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("receipt directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create receipt directory: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// Save writes r and returns its path.
func (d *DirSink) Save(ctx context.Context, r Receipt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(r.Data) == 0 {
		return "", errors.New("receipt is empty")
	}
	path := filepath.Join(d.dir, ObjectName(r))
	if err := os.WriteFile(path, r.Data, 0o640); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}
	return path, nil
}
