package source

import (
	"context"
	"fmt"
	"os"
)

type localSource struct {
	f    *os.File
	size int64
}

// OpenLocal opens a regular file on the local filesystem.
func OpenLocal(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("source %s is not a regular file", path)
	}
	adviseSequential(f)
	return &localSource{f: f, size: info.Size()}, nil
}

func (s *localSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	// Uploaded ranges are not read again in this run.
	adviseDontNeed(s.f, off, int64(n))
	return n, err
}

func (s *localSource) Size() int64 { return s.size }

func (s *localSource) ModMarker(context.Context) (int64, error) {
	info, err := os.Stat(s.f.Name())
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	return info.ModTime().UnixNano(), nil
}

func (s *localSource) Close() error { return s.f.Close() }
