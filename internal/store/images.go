package store

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImageStore writes generated charts to a directory served under URLPrefix.
type ImageStore struct {
	Dir       string
	URLPrefix string

	now func() time.Time
}

func NewImageStore(dir, urlPrefix string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = "/images"
	}
	return &ImageStore{Dir: dir, URLPrefix: strings.TrimRight(urlPrefix, "/"), now: time.Now}, nil
}

// Save writes data as <YYYYmmdd_HHMMSS>_<uuid8>.<ext> and returns its URL.
func (s *ImageStore) Save(ext string, data []byte) (string, error) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "png"
	}
	name := fmt.Sprintf("%s_%s.%s", s.now().Format("20060102_150405"), uuid.NewString()[:8], ext)
	tmp := filepath.Join(s.Dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.Dir, name)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write image: %w", err)
	}
	return path.Join(s.URLPrefix, name), nil
}
