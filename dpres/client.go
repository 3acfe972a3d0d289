// Package dpres reconciles the digital preservation service's verdicts
// back into the workflow.
//
// The preservation service exposes processed submissions over SFTP:
// accepted and rejected transfers appear under date folders together
// with their ingest reports. The reconciler crawls those folders, marks
// the matching packages preserved or rejected, fetches the reports and
// schedules the final confirm stage.
package dpres

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// Error is the default error class for the dpres package.
	Error = errs.Class("dpres")

	mon = monkit.Package()
)

// Client is the narrow SFTP surface the reconciler needs.
type Client interface {
	// ListDir returns the entry names of a remote directory.
	ListDir(path string) ([]string, error)
	// ModTime returns the modification time of a remote file.
	ModTime(path string) (time.Time, error)
	// Download fetches a remote file to a local path.
	Download(remotePath, localPath string) error
	// Remove deletes a remote file; it fails on directories.
	Remove(path string) error
	// RemoveDirectory deletes an empty remote directory.
	RemoveDirectory(path string) error
	Close() error
}

// ClientConfig holds the SFTP connection parameters of the preservation
// service.
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	// Password is used when PrivateKeyPath is empty.
	Password string
	// PrivateKeyPath points to an unencrypted private key file.
	PrivateKeyPath string
	// KnownHostsPath verifies the remote host key. When empty the host
	// key is not verified.
	KnownHostsPath string
}

// Dial connects to the preservation service over SFTP.
func Dial(config ClientConfig) (Client, error) {
	var auth []ssh.AuthMethod
	if config.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(config.PrivateKeyPath)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		auth = append(auth, ssh.Password(config.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsPath != "" {
		callback, err := knownhosts.New(config.KnownHostsPath)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		hostKeyCallback = callback
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	sshClient, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            config.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, Error.Wrap(err)
	}
	return &sftpConn{ssh: sshClient, sftp: sftpClient}, nil
}

type sftpConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (conn *sftpConn) ListDir(path string) ([]string, error) {
	entries, err := conn.sftp.ReadDir(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (conn *sftpConn) ModTime(path string) (time.Time, error) {
	info, err := conn.sftp.Lstat(path)
	if err != nil {
		return time.Time{}, Error.Wrap(err)
	}
	return info.ModTime(), nil
}

func (conn *sftpConn) Download(remotePath, localPath string) error {
	remote, err := conn.sftp.Open(remotePath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = remote.Close() }()

	local, err := os.Create(localPath)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(local, remote); err != nil {
		_ = local.Close()
		return Error.Wrap(err)
	}
	return Error.Wrap(local.Close())
}

func (conn *sftpConn) Remove(path string) error {
	return Error.Wrap(conn.sftp.Remove(path))
}

func (conn *sftpConn) RemoveDirectory(path string) error {
	return Error.Wrap(conn.sftp.RemoveDirectory(path))
}

func (conn *sftpConn) Close() error {
	return errs.Combine(
		Error.Wrap(conn.sftp.Close()),
		Error.Wrap(conn.ssh.Close()),
	)
}
