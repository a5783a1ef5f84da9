package syncengine

import (
	"bufio"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"

	"github.com/rsyncd/rsyncd/pkg/wire"
)

// Download retrieves name from the server and writes it to destPath,
// implementing the client half of the supplemental file-download path.
func (c *Client) Download(name, destPath string) (int64, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return 0, errors.Wrap(err, "unable to connect")
	}
	defer conn.Close()

	return c.downloadOverConn(conn, name, destPath)
}

// downloadOverConn implements the protocol logic over an already-established
// connection, separated from dialing so that tests can drive it over an
// in-memory net.Pipe.
func (c *Client) downloadOverConn(conn net.Conn, name, destPath string) (int64, error) {
	if _, err := conn.Write([]byte(wire.FormatFileGet(name))); err != nil {
		return 0, errors.Wrap(err, "unable to send file request")
	}

	reader := bufio.NewReader(conn)
	line, err := wire.ReadLine(reader)
	if err != nil {
		return 0, errors.Wrap(err, "unable to read server response")
	}

	if wire.IsFileErr(line) {
		return 0, errors.Errorf("server reports file %q not found", name)
	}

	size, err := wire.ParseFileData(line)
	if err != nil {
		return 0, err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, errors.Wrap(err, "unable to create destination file")
	}
	defer out.Close()

	if _, err := io.CopyN(out, reader, size); err != nil {
		return 0, errors.Wrap(err, "unable to receive file contents")
	}

	trailer, err := wire.ReadLine(reader)
	if err != nil {
		return 0, errors.Wrap(err, "unable to read end-of-file marker")
	}
	if trailer != wire.FileEndLine {
		return 0, errors.Errorf("unexpected trailer after file contents: %q", trailer)
	}

	c.logger.Printf("downloaded %s (%d bytes) to %s", name, size, destPath)
	return size, nil
}
