// Package source opens the files that uploads read from.
package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Source is a random-access view of one file. Chunks are read with ReadAt
// so no reader ever holds more than one chunk in memory.
type Source interface {
	io.ReaderAt
	io.Closer
	// Size is the file size observed when the source was opened.
	Size() int64
	// ModMarker re-reads the file's modification marker (mtime in
	// nanoseconds). A change since enqueue means the file was modified.
	ModMarker(ctx context.Context) (int64, error)
}

// Ref is a parsed source reference.
type Ref struct {
	Host string
	User string
	Path string
	Port int
}

// IsRemote reports whether the reference names a file on an SFTP host.
func (r Ref) IsRemote() bool { return r.Host != "" }

// String renders the reference in its canonical URI form. Task ids are
// derived from this form, so equivalent spellings resolve to one task.
func (r Ref) String() string {
	if !r.IsRemote() {
		return "file://" + r.Path
	}
	u := url.URL{Scheme: "sftp", Host: r.Host, Path: r.Path}
	if r.Port != 0 {
		u.Host = r.Host + ":" + strconv.Itoa(r.Port)
	}
	if r.User != "" {
		u.User = url.User(r.User)
	}
	return u.String()
}

// ParseRef parses a source argument.
//
// Supported formats:
//   - /absolute/path or relative/path     local file
//   - file:///absolute/path               local file
//   - sftp://[user@]host[:port]/path      SFTP
//   - [user@]host:path                    SFTP (scp syntax)
//
// A path containing ":" is only treated as remote if the part before the
// colon contains no path separators.
func ParseRef(arg string) (Ref, error) {
	switch {
	case strings.HasPrefix(arg, "file://"):
		return localRef(strings.TrimPrefix(arg, "file://"))
	case strings.HasPrefix(arg, "sftp://"):
		return parseSFTPURL(arg)
	}

	colon := strings.IndexByte(arg, ':')
	if filepath.IsAbs(arg) || colon < 0 {
		return localRef(arg)
	}
	hostPart, pathPart := arg[:colon], arg[colon+1:]
	if hostPart == "" || strings.ContainsRune(hostPart, '/') {
		return localRef(arg)
	}

	ref := Ref{Path: pathPart}
	if at := strings.LastIndexByte(hostPart, '@'); at >= 0 {
		ref.User, ref.Host = hostPart[:at], hostPart[at+1:]
	} else {
		ref.Host = hostPart
	}
	if ref.Host == "" || ref.Path == "" {
		return Ref{}, fmt.Errorf("invalid source %q", arg)
	}
	return ref, nil
}

func localRef(p string) (Ref, error) {
	if p == "" {
		return Ref{}, fmt.Errorf("empty source path")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return Ref{}, fmt.Errorf("resolve %s: %w", p, err)
	}
	return Ref{Path: abs}, nil
}

func parseSFTPURL(arg string) (Ref, error) {
	u, err := url.Parse(arg)
	if err != nil {
		return Ref{}, fmt.Errorf("parse %q: %w", arg, err)
	}
	ref := Ref{Host: u.Hostname(), Path: u.Path}
	if u.User != nil {
		ref.User = u.User.Username()
	}
	if p := u.Port(); p != "" {
		ref.Port, err = strconv.Atoi(p)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid port in %q: %w", arg, err)
		}
	}
	if ref.Host == "" || ref.Path == "" {
		return Ref{}, fmt.Errorf("invalid source %q", arg)
	}
	return ref, nil
}

// Opener resolves references to sources.
type Opener struct {
	SSH SSHOpts
}

// Open opens the file named by ref, which is either a canonical URI
// produced by Ref.String or any form ParseRef accepts.
func (o Opener) Open(ctx context.Context, ref string) (Source, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if r.IsRemote() {
		return openSFTP(ctx, r, o.SSH)
	}
	return OpenLocal(r.Path)
}
