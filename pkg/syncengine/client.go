package syncengine

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/rsyncd/rsyncd/pkg/block"
	"github.com/rsyncd/rsyncd/pkg/blockcodec"
	"github.com/rsyncd/rsyncd/pkg/logging"
	"github.com/rsyncd/rsyncd/pkg/wire"
)

// Client drives the client half of the synchronization protocol: a
// single-threaded, single connection per call.
type Client struct {
	address string
	logger  *logging.Logger
}

// NewClient constructs a Client that dials address (e.g. "localhost:9000")
// for each call to Sync or Download.
func NewClient(address string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.RootLogger
	}
	return &Client{address: address, logger: logger.Sublogger("client")}
}

// SyncResult reports the outcome of a Sync call, for CLI display: the
// count of requested blocks and the server's final acknowledgement.
type SyncResult struct {
	// RequestedBlocks is the number of blocks the server asked for.
	RequestedBlocks int
	// Acknowledgement is the server's final response line, with its
	// trailing newline stripped.
	Acknowledgement string
}

// Sync performs a full upload/sync of the file at path.
func (c *Client) Sync(path string) (SyncResult, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to connect")
	}
	defer conn.Close()

	return c.syncOverConn(conn, path)
}

// syncOverConn implements the protocol logic over an already-established
// connection, separated from dialing so that tests can drive it over an
// in-memory net.Pipe.
func (c *Client) syncOverConn(conn net.Conn, path string) (SyncResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to open file")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to stat file")
	}
	size := info.Size()
	nblocks := block.NBlocks(size)

	sigs, err := block.ComputeReader(file, size)
	if err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to compute signatures")
	}

	basename := filepath.Base(path)
	c.logger.Printf("synchronizing %s (%d bytes, %d blocks)", basename, size, nblocks)

	header := wire.FormatFileHdr(basename, size, nblocks)
	if _, err := conn.Write([]byte(header)); err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to send file header")
	}
	if _, err := conn.Write(sigs.MarshalBinary()); err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to send signature vector")
	}

	reader := bufio.NewReader(conn)

	countLine, err := wire.ReadLine(reader)
	if err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to read block request")
	}
	count, err := wire.ParseBlockReqCount(countLine)
	if err != nil {
		return SyncResult{}, err
	}

	indicesLine, err := wire.ReadLine(reader)
	if err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to read requested block indices")
	}
	indices, err := wire.ParseIndices(strings.TrimRight(indicesLine, "\n"), count)
	if err != nil {
		return SyncResult{}, err
	}

	c.logger.Printf("server requested %d block(s)", count)

	buf := make([]byte, block.Size)
	for _, idx := range indices {
		n, err := file.ReadAt(buf, int64(idx)*block.Size)
		if err != nil && err != io.EOF {
			return SyncResult{}, errors.Wrapf(err, "unable to read block %d", idx)
		}
		data := buf[:n]

		compressed := blockcodec.Compress(data)
		blockHeader := wire.FormatBlockData(idx, len(compressed), len(data))
		if _, err := conn.Write([]byte(blockHeader)); err != nil {
			return SyncResult{}, errors.Wrapf(err, "unable to send block %d header", idx)
		}
		if _, err := conn.Write(compressed); err != nil {
			return SyncResult{}, errors.Wrapf(err, "unable to send block %d payload", idx)
		}
	}

	if _, err := conn.Write([]byte(wire.BlockEndLine)); err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to send block end marker")
	}

	ackLine, err := wire.ReadLine(reader)
	if err != nil {
		return SyncResult{}, errors.Wrap(err, "unable to read server acknowledgement")
	}

	return SyncResult{
		RequestedBlocks: count,
		Acknowledgement: strings.TrimRight(ackLine, "\n"),
	}, nil
}
