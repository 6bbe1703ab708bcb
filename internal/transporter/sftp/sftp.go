// Package sftp implements the SFTP transporter.
//
// Grounded on _examples/rclone-rclone/backend/sftp/sftp.go's connection
// settings (host/user/port/pass/keyFile) and its use of
// golang.org/x/crypto/ssh plus github.com/pkg/sftp for the actual file
// operations, with optional ssh-agent-based authentication via
// github.com/xanzy/ssh-agent when no password or key file is given.
package sftp

import (
	"context"
	"net"
	"os"
	"path"
	"strings"
	"time"

	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pacer"
	"github.com/wimleers/fileconveyor/internal/transporter"
)

func init() {
	transporter.Register("SFTP", New)
}

type backend struct {
	addr     string
	config   *ssh.ClientConfig
	basePath string
	url      string
}

// New constructs the SFTP transporter from server.Settings: host, port
// (default 22), username, password (optional), path (remote base
// directory), url.
func New(server model.Server) (transporter.Transporter, error) {
	host := server.Settings["host"]
	if host == "" {
		return nil, errors.Wrap(transporter.ErrConnection, "sftp: host setting is required")
	}
	port := server.Settings["port"]
	if port == "" {
		port = "22"
	}

	auths, err := authMethods(server)
	if err != nil {
		return nil, errors.Wrap(transporter.ErrConnection, err.Error())
	}

	b := &backend{
		addr: net.JoinHostPort(host, port),
		config: &ssh.ClientConfig{
			User:            server.Settings["username"],
			Auth:            auths,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // file delivery, not an interactive session
			Timeout:         10 * time.Second,
		},
		basePath: server.Settings["path"],
		url:      server.Settings["url"],
	}

	// Verify connectivity eagerly (spec.md §4.7: unreachable destination
	// is a fatal configuration problem).
	client, sc, err := b.dial()
	if err != nil {
		return nil, errors.Wrap(transporter.ErrConnection, err.Error())
	}
	_ = sc.Close()
	_ = client.Close()

	w := transporter.NewWorker(b, pacer.New(pacer.RetriesOption(3)), "transporter-sftp")
	w.Start()
	return w, nil
}

func authMethods(server model.Server) ([]ssh.AuthMethod, error) {
	if pass := server.Settings["password"]; pass != "" {
		return []ssh.AuthMethod{ssh.Password(pass)}, nil
	}
	if keyFile := server.Settings["keyFile"]; keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	agentClient, _, err := sshagent.New()
	if err != nil {
		return nil, err
	}
	signers, err := agentClient.Signers()
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(func() ([]ssh.Signer, error) { return signers, nil })}, nil
}

func (b *backend) dial() (*ssh.Client, *sftp.Client, error) {
	client, err := ssh.Dial("tcp", b.addr, b.config)
	if err != nil {
		return nil, nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, sc, nil
}

func (b *backend) destPath(dstRel string) string {
	if b.basePath == "" {
		return dstRel
	}
	return strings.TrimSuffix(b.basePath, "/") + "/" + dstRel
}

func (b *backend) Exists(_ context.Context, dstRel string) (bool, error) {
	client, sc, err := b.dial()
	if err != nil {
		return false, err
	}
	defer client.Close()
	defer sc.Close()
	_, err = sc.Stat(b.destPath(dstRel))
	return err == nil, nil
}

func (b *backend) Store(_ context.Context, srcAbs, dstRel string) error {
	client, sc, err := b.dial()
	if err != nil {
		return err
	}
	defer client.Close()
	defer sc.Close()

	src, err := os.Open(srcAbs)
	if err != nil {
		return err
	}
	defer src.Close()

	dst := b.destPath(dstRel)
	if err := ensureDir(sc, path.Dir(dst)); err != nil {
		return err
	}
	out, err := sc.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = out.ReadFrom(src)
	return err
}

func (b *backend) Remove(_ context.Context, dstRel string) error {
	client, sc, err := b.dial()
	if err != nil {
		return err
	}
	defer client.Close()
	defer sc.Close()
	err = sc.Remove(b.destPath(dstRel))
	if err != nil {
		return nil // absence is not an error (spec.md §4.7 DELETE semantics)
	}
	return nil
}

func (b *backend) URL(dstRel string) string {
	return strings.TrimSuffix(b.url, "/") + "/" + dstRel
}

func ensureDir(sc *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	if _, err := sc.Stat(dir); err == nil {
		return nil
	}
	if err := ensureDir(sc, path.Dir(dir)); err != nil {
		return err
	}
	return sc.Mkdir(dir)
}
