// Package ftp implements the FTP transporter.
//
// Grounded on _examples/rclone-rclone/backend/ftp/ftp.go's connection
// settings (host/user/pass/port/tls) and on
// _examples/original_source/fileconveyor/transporters/transporter_ftp.py's
// settings contract (host, port, username, password, path, url), using
// github.com/jlaffaye/ftp, the same client library rclone's backend
// wraps.
package ftp

import (
	"context"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pacer"
	"github.com/wimleers/fileconveyor/internal/transporter"
)

func init() {
	transporter.Register("FTP", New)
}

type backend struct {
	addr     string
	user     string
	pass     string
	basePath string
	url      string
}

// New constructs the FTP transporter from server.Settings: host, port
// (default 21), username, password, path, url.
func New(server model.Server) (transporter.Transporter, error) {
	host := server.Settings["host"]
	if host == "" {
		return nil, errors.Wrap(transporter.ErrConnection, "ftp: host setting is required")
	}
	port := server.Settings["port"]
	if port == "" {
		port = "21"
	}
	b := &backend{
		addr:     host + ":" + port,
		user:     server.Settings["username"],
		pass:     server.Settings["password"],
		basePath: server.Settings["path"],
		url:      server.Settings["url"],
	}

	// Verify connectivity eagerly; an unreachable destination is fatal
	// at startup configuration time (spec.md §4.7).
	conn, err := b.dial()
	if err != nil {
		return nil, errors.Wrap(transporter.ErrConnection, err.Error())
	}
	_ = conn.Quit()

	w := transporter.NewWorker(b, pacer.New(pacer.RetriesOption(3)), "transporter-ftp")
	w.Start()
	return w, nil
}

func (b *backend) dial() (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(b.addr, ftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return nil, err
	}
	if b.user != "" {
		if err := conn.Login(b.user, b.pass); err != nil {
			_ = conn.Quit()
			return nil, err
		}
	}
	return conn, nil
}

func (b *backend) destPath(dstRel string) string {
	if b.basePath == "" {
		return dstRel
	}
	return strings.TrimSuffix(b.basePath, "/") + "/" + dstRel
}

func (b *backend) Exists(_ context.Context, dstRel string) (bool, error) {
	conn, err := b.dial()
	if err != nil {
		return false, err
	}
	defer conn.Quit()
	_, err = conn.FileSize(b.destPath(dstRel))
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (b *backend) Store(_ context.Context, srcAbs, dstRel string) error {
	conn, err := b.dial()
	if err != nil {
		return err
	}
	defer conn.Quit()

	f, err := os.Open(srcAbs)
	if err != nil {
		return err
	}
	defer f.Close()

	dst := b.destPath(dstRel)
	if err := ensureDir(conn, path.Dir(dst)); err != nil {
		return err
	}
	return conn.Stor(dst, f)
}

func (b *backend) Remove(_ context.Context, dstRel string) error {
	conn, err := b.dial()
	if err != nil {
		return err
	}
	defer conn.Quit()
	err = conn.Delete(b.destPath(dstRel))
	if err != nil {
		// Absence is not an error (spec.md §4.7 DELETE semantics).
		return nil
	}
	return nil
}

func (b *backend) URL(dstRel string) string {
	return strings.TrimSuffix(b.url, "/") + "/" + dstRel
}

// ensureDir creates dir and its ancestors on the FTP server if absent,
// ignoring "already exists" failures.
func ensureDir(conn *ftp.ServerConn, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	if err := ensureDir(conn, path.Dir(dir)); err != nil {
		return err
	}
	_ = conn.MakeDir(dir)
	return nil
}
