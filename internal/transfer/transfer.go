// Package transfer copies files to and from the fleet over SFTP. It carries
// signed host certificates out to /etc/ssh and collects documentation
// artifacts back in; every transfer is checksummed end to end.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
	"github.com/okelmann/fleet/internal/ssh"
)

// Stat describes one completed transfer; carried in Result.Value.
type Stat struct {
	Checksum string
	Bytes    int64
}

// Copier runs SFTP transfers across the fleet on the shared dispatcher.
type Copier struct {
	runner     *ssh.Runner
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

// NewCopier creates a Copier.
func NewCopier(runner *ssh.Runner, d *dispatch.Dispatcher, log zerolog.Logger) *Copier {
	return &Copier{runner: runner, dispatcher: d, log: log}
}

// Push uploads a local file to the same remote path on every host.
func (c *Copier) Push(ctx context.Context, hosts fleet.Set, localPath, remotePath string, progressFn ProgressFunc) []*dispatch.Result {
	return c.dispatcher.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		res := &dispatch.Result{Host: h}
		client, err := c.runner.Connect(ctx, h)
		if err != nil {
			res.Err = err
			return res
		}
		defer client.Close()

		stat, err := PushFile(ctx, client.SSHClient(), localPath, remotePath, h.ShortName(), progressFn)
		res.Err = err
		res.Value = stat
		return res
	})
}

// PushPerHost uploads a distinct local file per host, resolved by pathFor.
// Hosts whose pathFor returns an empty string are skipped with an error so a
// missing certificate is visible in the report.
func (c *Copier) PushPerHost(ctx context.Context, hosts fleet.Set, pathFor func(fleet.Host) string, remotePath string, progressFn ProgressFunc) []*dispatch.Result {
	return c.dispatcher.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		res := &dispatch.Result{Host: h}
		localPath := pathFor(h)
		if localPath == "" {
			res.Err = fmt.Errorf("no local file for %s", h.ShortName())
			return res
		}
		client, err := c.runner.Connect(ctx, h)
		if err != nil {
			res.Err = err
			return res
		}
		defer client.Close()

		stat, err := PushFile(ctx, client.SSHClient(), localPath, remotePath, h.ShortName(), progressFn)
		res.Err = err
		res.Value = stat
		return res
	})
}

// Pull downloads the same remote file from every host into
// localDir/<host>/<filename>.
func (c *Copier) Pull(ctx context.Context, hosts fleet.Set, remotePath, localDir string, progressFn ProgressFunc) []*dispatch.Result {
	return c.dispatcher.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		res := &dispatch.Result{Host: h}
		client, err := c.runner.Connect(ctx, h)
		if err != nil {
			res.Err = err
			return res
		}
		defer client.Close()

		stat, err := PullFile(ctx, client.SSHClient(), remotePath, localDir, h.ShortName(), progressFn)
		res.Err = err
		res.Value = stat
		return res
	})
}

// PushFile uploads one file over a fresh SFTP session and verifies the
// written bytes by reading them back.
func PushFile(ctx context.Context, conn *xssh.Client, localPath, remotePath, host string, progressFn ProgressFunc) (*Stat, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open local file: %w", err)
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat local file: %w", err)
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	// remotePath is always a Unix path, hence path not filepath.
	remoteDir := path.Dir(remotePath)
	if remoteDir != "." && remoteDir != "/" {
		if err := sftpClient.MkdirAll(remoteDir); err != nil {
			return nil, fmt.Errorf("create remote dir %s: %w", remoteDir, err)
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, fmt.Errorf("create remote file: %w", err)
	}

	hasher := sha256.New()
	pw := newProgressWriter(remoteFile, host, info.Size(), progressFn)
	written, err := copyWithContext(ctx, io.MultiWriter(pw, hasher), localFile)
	// close before the read-back so writes are flushed
	remoteFile.Close()
	if err != nil {
		return nil, fmt.Errorf("copy: %w", err)
	}

	stat := &Stat{Checksum: hex.EncodeToString(hasher.Sum(nil)), Bytes: written}
	if err := verifyRemote(sftpClient, remotePath, stat.Checksum); err != nil {
		return stat, err
	}
	return stat, nil
}

// PullFile downloads one file into localDir/<host>/<filename>.
func PullFile(ctx context.Context, conn *xssh.Client, remotePath, localDir, host string, progressFn ProgressFunc) (*Stat, error) {
	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open remote file: %w", err)
	}
	defer remoteFile.Close()

	info, err := remoteFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat remote file: %w", err)
	}

	hostDir := filepath.Join(localDir, host)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("create local dir: %w", err)
	}
	localFile, err := os.Create(filepath.Join(hostDir, filepath.Base(remotePath)))
	if err != nil {
		return nil, fmt.Errorf("create local file: %w", err)
	}
	defer localFile.Close()

	hasher := sha256.New()
	pw := newProgressWriter(localFile, host, info.Size(), progressFn)
	written, err := copyWithContext(ctx, io.MultiWriter(pw, hasher), remoteFile)
	if err != nil {
		return nil, fmt.Errorf("copy: %w", err)
	}

	stat := &Stat{Checksum: hex.EncodeToString(hasher.Sum(nil)), Bytes: written}
	if err := verifyRemote(sftpClient, remotePath, stat.Checksum); err != nil {
		return stat, err
	}
	return stat, nil
}

// verifyRemote re-reads the remote file over the same SFTP session and
// compares checksums. No sha256sum binary needed on the remote side.
func verifyRemote(sftpClient *sftp.Client, remotePath, want string) error {
	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("read remote file for checksum: %w", err)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != want {
		return fmt.Errorf("checksum mismatch: local=%s remote=%s", want, got)
	}
	return nil
}

// copyWithContext copies from src to dst, checking for cancellation between
// buffered reads.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}
