// Package blob is the upload boundary: files go in, a serveable URL and
// metadata come out.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"parley/internal/model"
)

// Store persists uploaded files and hands back their public reference.
type Store interface {
	Save(name, contentType string, r io.Reader) (model.FileMeta, error)
}

// Disk stores uploads as uuid-prefixed files under a local directory served
// at /uploads/.
type Disk struct {
	dir string
}

// NewDisk ensures dir exists and returns a disk-backed store.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir %s: %w", dir, err)
	}
	return &Disk{dir: dir}, nil
}

// Dir returns the directory uploads are written to.
func (d *Disk) Dir() string { return d.dir }

func (d *Disk) Save(name, contentType string, r io.Reader) (model.FileMeta, error) {
	// Strip any path components a client smuggles into the filename.
	base := filepath.Base(name)
	stored := uuid.NewString() + "-" + base

	f, err := os.Create(filepath.Join(d.dir, stored))
	if err != nil {
		return model.FileMeta{}, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(f.Name())
		return model.FileMeta{}, fmt.Errorf("failed to write upload: %w", err)
	}

	return model.FileMeta{
		Name: base,
		URL:  "/uploads/" + stored,
		Type: contentType,
		Size: size,
	}, nil
}
