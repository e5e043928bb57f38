package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
)

// Stager moves files between this machine and the bridge host over SFTP.
// Uploads are content-addressed: a file whose SHA-256 is already present in
// the staging directory is not sent again.
type Stager struct {
	runner *Runner
	dir    string
	log    zerolog.Logger
}

// NewStager creates a Stager that keeps files under dir on the runner's host.
func NewStager(runner *Runner, dir string) *Stager {
	return &Stager{runner: runner, dir: dir, log: runner.log}
}

// TempPath returns a unique scratch path in the staging directory.
func (s *Stager) TempPath(name string) string {
	return path.Join(s.dir, "pull-"+uuid.NewString()+"-"+path.Base(name))
}

// StageIn uploads localPath and returns its path on the bridge host.
func (s *Stager) StageIn(ctx context.Context, localPath string) (string, error) {
	sum, err := fileSHA256(localPath)
	if err != nil {
		return "", err
	}
	remotePath := path.Join(s.dir, sum[:16]+"-"+filepath.Base(localPath))

	client, err := s.sftp(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if existing, err := remoteSHA256(client, remotePath); err == nil && existing == sum {
		s.log.Debug().Str("path", remotePath).Msg("already staged")
		return remotePath, nil
	}

	if err := client.MkdirAll(s.dir); err != nil {
		return "", fmt.Errorf("create staging dir %s: %w", s.dir, err)
	}
	local, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local file: %w", err)
	}
	defer local.Close()

	// Write under a temporary name so an interrupted upload never looks
	// staged.
	partial := remotePath + ".part"
	remote, err := client.Create(partial)
	if err != nil {
		return "", fmt.Errorf("create remote file: %w", err)
	}
	hasher := sha256.New()
	_, err = copyWithContext(ctx, io.MultiWriter(remote, hasher), local)
	remote.Close()
	if err != nil {
		client.Remove(partial)
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != sum {
		client.Remove(partial)
		return "", fmt.Errorf("%s changed during upload", localPath)
	}
	if err := client.PosixRename(partial, remotePath); err != nil {
		return "", fmt.Errorf("rename staged file: %w", err)
	}

	s.log.Debug().Str("local", localPath).Str("remote", remotePath).Msg("staged file")
	return remotePath, nil
}

// StageOut downloads bridgePath to localPath and removes it from the bridge
// host.
func (s *Stager) StageOut(ctx context.Context, bridgePath, localPath string) error {
	client, err := s.sftp(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	remote, err := client.Open(bridgePath)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}
	defer remote.Close()

	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create local dir: %w", err)
		}
	}
	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	hasher := sha256.New()
	_, err = copyWithContext(ctx, io.MultiWriter(local, hasher), remote)
	if cerr := local.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", bridgePath, err)
	}

	want, err := remoteSHA256(client, bridgePath)
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != want {
		return fmt.Errorf("checksum mismatch: local=%s remote=%s", got, want)
	}
	if err := client.Remove(bridgePath); err != nil {
		s.log.Warn().Err(err).Str("path", bridgePath).Msg("remove staged file")
	}
	return nil
}

func (s *Stager) sftp(ctx context.Context) (*sftp.Client, error) {
	c, err := s.runner.Client(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(c.SSHClient())
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return client, nil
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// remoteSHA256 hashes a remote file by reading it back over SFTP, which
// needs no shell tools on the bridge host.
func remoteSHA256(client *sftp.Client, p string) (string, error) {
	f, err := client.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, err := dst.Write(buf[:nr])
			written += int64(nw)
			if err != nil {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
