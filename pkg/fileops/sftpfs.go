package fileops

import (
	"io"
	"os"

	"github.com/pkg/sftp"
)

// SFTPFS adapts an *sftp.Client to the RemoteFS interface.
type SFTPFS struct {
	Client *sftp.Client
}

func (s SFTPFS) Normalize(path string) (string, error) {
	return s.Client.RealPath(path)
}

func (s SFTPFS) Stat(path string) (os.FileInfo, error) {
	return s.Client.Stat(path)
}

func (s SFTPFS) Mkdir(path string) error {
	return s.Client.Mkdir(path)
}

func (s SFTPFS) OpenRead(path string) (io.ReadCloser, error) {
	return s.Client.Open(path)
}

func (s SFTPFS) OpenWrite(path string) (io.WriteCloser, error) {
	return s.Client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (s SFTPFS) Chmod(path string, mode os.FileMode) error {
	return s.Client.Chmod(path, mode)
}
