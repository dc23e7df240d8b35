package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpSource struct {
	file   *sftp.File
	client *sftp.Client
	ssh    *ssh.Client
	path   string
	size   int64
}

func openSFTP(ctx context.Context, r Ref, opts SSHOpts) (Source, error) {
	sshClient, err := dialSSH(ctx, r.Host, r.Port, r.User, opts)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	f, err := client.Open(r.Path)
	if err != nil {
		client.Close()
		sshClient.Close()
		return nil, fmt.Errorf("open %s: %w", r, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		client.Close()
		sshClient.Close()
		return nil, fmt.Errorf("stat %s: %w", r, err)
	}
	return &sftpSource{file: f, client: client, ssh: sshClient, path: r.Path, size: info.Size()}, nil
}

func (s *sftpSource) ReadAt(p []byte, off int64) (int, error) { return s.file.ReadAt(p, off) }

func (s *sftpSource) Size() int64 { return s.size }

// ModMarker has one-second resolution over SFTP.
func (s *sftpSource) ModMarker(context.Context) (int64, error) {
	info, err := s.client.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", s.path, err)
	}
	return info.ModTime().UnixNano(), nil
}

func (s *sftpSource) Close() error {
	return errors.Join(s.file.Close(), s.client.Close(), s.ssh.Close())
}
