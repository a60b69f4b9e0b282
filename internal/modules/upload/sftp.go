package upload

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sftpUploader keeps one SSH connection with an SFTP session on top.
type sftpUploader struct {
	target target
	config *ssh.ClientConfig

	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
}

func dialSFTP(t target, opts options) (uploader, error) {
	config := &ssh.ClientConfig{
		User:    t.user,
		Timeout: opts.timeout,
	}

	switch {
	case opts.keyFile != "":
		key, err := os.ReadFile(opts.keyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case t.password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(t.password)}
	default:
		return nil, fmt.Errorf("sftp: %s has neither a password nor --key", t)
	}

	if opts.knownHosts != "" {
		cb, err := knownhosts.New(opts.knownHosts)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to load known hosts: %w", err)
		}
		config.HostKeyCallback = cb
	} else {
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via --known-hosts
	}

	return &sftpUploader{target: t, config: config}, nil
}

func (u *sftpUploader) connect(ctx context.Context) error {
	type result struct {
		conn *ssh.Client
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ssh.Dial("tcp", u.target.addr(), u.config)
		done <- result{conn, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		// the dial is bounded by config.Timeout; close whatever it returns
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		return fmt.Errorf("sftp: failed to connect: %w", r.err)
	}

	client, err := sftp.NewClient(r.conn)
	if err != nil {
		_ = r.conn.Close()
		return fmt.Errorf("sftp: failed to create client: %w", err)
	}
	u.ssh, u.client = r.conn, client
	return nil
}

func (u *sftpUploader) Upload(ctx context.Context, name string, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.client == nil {
		if err := u.connect(ctx); err != nil {
			return err
		}
	}
	if err := put(u.client, u.target.remotePath(name), data); err != nil {
		u.closeLocked()
		return err
	}
	return nil
}

// put writes data next to remote and renames it into place.
func put(client *sftp.Client, remote string, data []byte) error {
	tmp := path.Join(path.Dir(remote), fmt.Sprintf(".upload-%d.tmp", time.Now().UnixNano()))
	f, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("sftp: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = client.Remove(tmp)
		return fmt.Errorf("sftp: write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("sftp: close %s: %w", tmp, err)
	}
	if err := client.PosixRename(tmp, remote); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("sftp: rename to %s: %w", remote, err)
	}
	return nil
}

func (u *sftpUploader) closeLocked() {
	if u.client != nil {
		_ = u.client.Close()
	}
	if u.ssh != nil {
		_ = u.ssh.Close()
	}
	u.client, u.ssh = nil, nil
}

func (u *sftpUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeLocked()
	return nil
}
