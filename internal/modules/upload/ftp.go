package upload

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// ftpUploader keeps one control connection and replaces it after errors.
type ftpUploader struct {
	target  target
	timeout time.Duration

	mu   sync.Mutex
	conn *ftp.ServerConn
}

func dialFTP(t target, opts options) (uploader, error) {
	return &ftpUploader{target: t, timeout: opts.timeout}, nil
}

func (u *ftpUploader) connect(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(u.target.addr(), ftp.DialWithContext(ctx), ftp.DialWithTimeout(u.timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp: connection failed: %w", err)
	}
	if u.target.user != "" {
		if err := conn.Login(u.target.user, u.target.password); err != nil {
			_ = conn.Quit()
			return nil, fmt.Errorf("ftp: login failed: %w", err)
		}
	}
	return conn, nil
}

// Upload stores data under a temporary name and renames it, so readers on
// the server never see a partial frame.
func (u *ftpUploader) Upload(ctx context.Context, name string, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn == nil {
		conn, err := u.connect(ctx)
		if err != nil {
			return err
		}
		u.conn = conn
	}

	remote := u.target.remotePath(name)
	tmp := path.Join(path.Dir(remote), fmt.Sprintf(".upload-%d.tmp", time.Now().UnixNano()))
	err := u.conn.Stor(tmp, bytes.NewReader(data))
	if err == nil {
		if err = u.conn.Rename(tmp, remote); err != nil {
			_ = u.conn.Delete(tmp)
		}
	}
	if err != nil {
		// the connection state is unknown after a failed transfer
		_ = u.conn.Quit()
		u.conn = nil
		return fmt.Errorf("ftp: upload %s: %w", remote, err)
	}
	return nil
}

func (u *ftpUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Quit()
	u.conn = nil
	return err
}
