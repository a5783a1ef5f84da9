package syncengine

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rsyncd/rsyncd/pkg/block"
	"github.com/rsyncd/rsyncd/pkg/blockcodec"
	"github.com/rsyncd/rsyncd/pkg/index"
	"github.com/rsyncd/rsyncd/pkg/logging"
	"github.com/rsyncd/rsyncd/pkg/wire"
)

// Server is the delta-synchronization listener. One goroutine handles each
// accepted connection (thread-per-connection); workers are detached and own
// their socket's lifetime.
type Server struct {
	store   *index.Store
	syncDir string
	logger  *logging.Logger
}

// NewServer constructs a Server backed by store, serving and storing files
// under syncDir. The store is a handle constructed once at startup and
// shared by reference across all connection workers.
func NewServer(store *index.Store, syncDir string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.RootLogger
	}
	return &Server{store: store, syncDir: syncDir, logger: logger.Sublogger("server")}
}

// ListenAndServe accepts connections on address (e.g. ":9000") until the
// listener is closed or an unrecoverable accept error occurs.
func (s *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "unable to listen")
	}
	defer listener.Close()

	s.logger.Printf("listening on %s", address)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return errors.Wrap(err, "accept failed")
		}
		go s.handleConnection(conn)
	}
}

// handleConnection implements the AWAIT_HEADER state and dispatches to the
// SERVE_FILE or FILE_HDR handling paths. Every exit path closes the
// connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	logger := s.logger.Sublogger(uuid.NewString())
	reader := bufio.NewReader(conn)

	// Read exactly one newline-terminated text line. The bufio.Reader
	// retains any bytes read past the first newline in its internal
	// buffer, so trailing bytes from the initial recv naturally become
	// the start of the signature vector for the next read.
	line, err := wire.ReadLine(reader)
	if err != nil {
		logger.Debugf("connection closed before header: %v", err)
		return
	}

	switch {
	case wire.IsFileGet(line):
		s.serveFile(conn, logger, line)
	case wire.IsFileHdr(line):
		s.syncFile(conn, reader, logger, line)
	default:
		logger.Debugf("unrecognized header %q, closing connection", line)
	}
}

// serveFile implements the supplemental SERVE_FILE path: a plain-file
// download request, served alongside the signature-diff sync path.
func (s *Server) serveFile(conn net.Conn, logger *logging.Logger, headerLine string) {
	basename, err := wire.ParseFileGet(headerLine)
	if err != nil {
		logger.Warn(err)
		return
	}

	path := filepath.Join(s.syncDir, basename)
	file, err := os.Open(path)
	if err != nil {
		conn.Write([]byte(wire.FileErrLine))
		logger.Warn(errors.Wrapf(err, "client requested missing file %q", basename))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		conn.Write([]byte(wire.FileErrLine))
		logger.Error(errors.Wrap(err, "unable to stat requested file"))
		return
	}

	if _, err := conn.Write([]byte(wire.FormatFileData(info.Size()))); err != nil {
		logger.Warn(errors.Wrap(err, "unable to send file header"))
		return
	}
	if _, err := io.Copy(conn, file); err != nil {
		logger.Warn(errors.Wrap(err, "unable to send file contents"))
		return
	}
	if _, err := conn.Write([]byte(wire.FileEndLine)); err != nil {
		logger.Warn(errors.Wrap(err, "unable to send file end marker"))
		return
	}

	logger.Printf("sent %s (%s) to client", basename, humanize.Bytes(uint64(info.Size())))
}

// syncFile implements the READ_SIGS, DIFF, SEND_REQ, RECEIVE_BLOCKS, and
// COMMIT phases of a synchronization session.
func (s *Server) syncFile(conn net.Conn, reader *bufio.Reader, logger *logging.Logger, headerLine string) {
	basename, filesize, nblocks, err := wire.ParseFileHdr(headerLine)
	if err != nil {
		logger.Warn(errors.Wrap(err, "malformed FILE_HDR"))
		return
	}
	logger.Debugf("file header: %s size=%d nblocks=%d", basename, filesize, nblocks)

	// READ_SIGS: consume exactly nblocks*WireSize additional bytes.
	sigBytes := make([]byte, nblocks*block.WireSize)
	if _, err := io.ReadFull(reader, sigBytes); err != nil {
		logger.Warn(errors.Wrap(err, "short read of signature vector"))
		return
	}
	incoming, err := block.UnmarshalSignatures(sigBytes, nblocks)
	if err != nil {
		logger.Warn(err)
		return
	}

	// DIFF: compare against the stored entry, if any, under a read lock
	// that is released before any network or disk I/O.
	existing, hasExisting := s.store.Find(basename)
	stale := diff(existing, hasExisting, incoming, nblocks)

	// SEND_REQ.
	if _, err := conn.Write([]byte(wire.FormatBlockReq(stale))); err != nil {
		logger.Warn(errors.Wrap(err, "unable to send block request"))
		return
	}
	logger.Printf("%s: requested %d/%d blocks", basename, len(stale), nblocks)

	// RECEIVE_BLOCKS.
	outPath := filepath.Join(s.syncDir, basename)
	var out *os.File
	if len(stale) > 0 {
		out, err = openForUpdate(outPath, filesize)
		if err != nil {
			logger.Error(errors.Wrap(err, "unable to open output file"))
			return
		}
	}

	aborted := receiveBlocks(reader, out, nblocks, logger)

	if out != nil {
		if err := out.Close(); err != nil {
			logger.Error(errors.Wrap(err, "unable to close output file"))
		}
	}

	if aborted {
		logger.Warn(errors.New("session aborted before BLOCK_END; index not updated"))
		return
	}

	// COMMIT.
	entry, err := index.NewEntry(basename, filesize, incoming)
	if err != nil {
		logger.Error(errors.Wrap(err, "unable to construct index entry"))
		return
	}
	if err := s.store.Commit(entry); err != nil {
		logger.Error(errors.Wrap(err, "unable to persist index; in-memory state still updated"))
	} else {
		logger.Printf("%s: index committed (%s)", basename, humanize.Bytes(uint64(filesize)))
	}

	if _, err := conn.Write([]byte(wire.FileOKLine)); err != nil {
		logger.Warn(errors.Wrap(err, "unable to send final acknowledgement"))
	}
}

// diff compares the incoming signature vector against the stored entry: if
// no prior entry exists, or the block count differs, every block is stale;
// otherwise each index is compared individually.
func diff(existing index.Entry, hasExisting bool, incoming block.Signatures, nblocks int) []int {
	var stale []int
	for i := 0; i < nblocks; i++ {
		fresh := hasExisting && existing.NBlocks == nblocks && block.Equal(existing.Sigs[i], incoming[i])
		if !fresh {
			stale = append(stale, i)
		}
	}
	return stale
}

// openForUpdate opens (or creates) path and resizes it to exactly size
// bytes. Extending a file leaves new trailing bytes zeroed; shrinking one
// discards trailing bytes.
func openForUpdate(path string, size int64) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// receiveBlocks implements the RECEIVE_BLOCKS loop. It returns true if the
// session should be treated as aborted (a short read or unexpected EOF
// before BLOCK_END, or a failed write to the output file), in which case the caller must not update the index.
func receiveBlocks(reader *bufio.Reader, out *os.File, nblocks int, logger *logging.Logger) bool {
	for {
		line, err := wire.ReadLine(reader)
		if err != nil {
			logger.Warn(errors.Wrap(err, "connection closed before BLOCK_END"))
			return true
		}

		if wire.IsBlockEnd(line) {
			return false
		}

		idx, clen, olen, err := wire.ParseBlockData(line)
		if err != nil {
			// "Any other line -> log and skip (do NOT close the
			// connection; the peer may recover)."
			logger.Warn(errors.Wrapf(err, "invalid block header %q", line))
			continue
		}

		payload := make([]byte, clen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			logger.Warn(errors.Wrapf(err, "short read of block %d payload (%d bytes)", idx, clen))
			return true
		}

		if idx >= nblocks || olen > block.Size {
			logger.Warn(errors.Errorf("skipping out-of-range block %d (olen=%d, nblocks=%d)", idx, olen, nblocks))
			continue
		}

		data, err := blockcodec.Decompress(payload, olen)
		if err != nil {
			logger.Warn(errors.Wrapf(err, "decompression failed for block %d", idx))
			continue
		}

		if out == nil {
			logger.Warn(errors.Errorf("received block %d but no output file is open; ignoring", idx))
			continue
		}
		if _, err := out.WriteAt(data, int64(idx)*block.Size); err != nil {
			logger.Warn(errors.Wrapf(err, "unable to write block %d", idx))
			return true
		}

		logger.Debugf("received block %d (%d bytes compressed)", idx, clen)
	}
}
