package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// spool writes one upload into the upload dir under an id-prefixed name.
func (s *Service) spool(id string, up Upload) (string, error) {
	name := sanitizeFilename(up.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return "", ErrBadUpload("only .pdf files are accepted: " + name)
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, id+"_"+name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("spooling upload: %w", err)
	}
	n, err := io.Copy(f, up.Data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.discard(path)
		return "", fmt.Errorf("spooling upload: %w", err)
	}
	if n == 0 {
		s.discard(path)
		return "", ErrBadUpload("empty file: " + name)
	}
	return path, nil
}

// sanitizeFilename strips directories and characters that have no
// business in a spooled filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "document.pdf"
	}
	return out
}
