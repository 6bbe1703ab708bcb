// Package local implements the SYMLINK_OR_COPY transporter: it places
// a file at the destination by symlinking it in place whenever the
// source is within the configured symlinkWithin root, falling back to
// a plain copy otherwise.
//
// Grounded on
// _examples/original_source/fileconveyor/transporters/transporter_symlink_or_copy.py,
// whose settings (location, url, symlinkWithin) this package reproduces,
// mapped onto the shared transporter.Worker/Backend
// split of _examples/rclone-rclone/backend/local's option-map
// construction idiom.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pacer"
	"github.com/wimleers/fileconveyor/internal/transporter"
)

func init() {
	transporter.Register("SYMLINK_OR_COPY", New)
}

type backend struct {
	location       string
	url            string
	symlinkWithin  string
}

// New constructs the SYMLINK_OR_COPY transporter from server.Settings,
// which must contain "location" and "url". "symlinkWithin" is optional;
// when it is empty every file is copied.
func New(server model.Server) (transporter.Transporter, error) {
	location := server.Settings["location"]
	url := server.Settings["url"]
	symlinkWithin := server.Settings["symlinkWithin"]
	if location == "" || url == "" {
		return nil, errors.Wrap(transporter.ErrConnection, "local: location and url settings are required")
	}
	if err := os.MkdirAll(location, 0755); err != nil {
		return nil, errors.Wrap(transporter.ErrConnection, err.Error())
	}
	b := &backend{location: location, url: url, symlinkWithin: symlinkWithin}
	w := transporter.NewWorker(b, pacer.New(pacer.RetriesOption(1)), "transporter-local")
	w.Start()
	return w, nil
}

func (b *backend) destPath(dstRel string) string {
	return filepath.Join(b.location, dstRel)
}

func (b *backend) Exists(_ context.Context, dstRel string) (bool, error) {
	_, err := os.Lstat(b.destPath(dstRel))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *backend) Store(_ context.Context, srcAbs, dstRel string) error {
	dst := b.destPath(dstRel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if b.symlinkWithin != "" && strings.HasPrefix(srcAbs, b.symlinkWithin) {
		return os.Symlink(srcAbs, dst)
	}
	return copyFile(srcAbs, dst)
}

func (b *backend) Remove(_ context.Context, dstRel string) error {
	err := os.Remove(b.destPath(dstRel))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *backend) URL(dstRel string) string {
	return strings.TrimSuffix(b.url, "/") + "/" + filepath.ToSlash(dstRel)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
