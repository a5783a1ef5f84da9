// Package wire defines the delta-synchronization wire protocol: fixed
// constants, ASCII LF-terminated text message lines, and the binary
// signature blob framing. It is the sole place where client and server
// agree on byte layout.
package wire

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rsyncd/rsyncd/pkg/block"
)

// Protocol constants.
const (
	// BlockSize is the fixed block size, in bytes.
	BlockSize = block.Size
	// MaxPathLen is the maximum filename length, in bytes.
	MaxPathLen = 1024
	// TCPPort is the default listening port.
	TCPPort = 9000
	// SyncDir is the default directory in which synchronized files live.
	SyncDir = "syncedData"
	// IndexFile is the default name of the persisted signature index.
	IndexFile = "index.db"
)

// Message prefixes, including the supplemental file-download path.
const (
	prefixFileHdr   = "FILE_HDR"
	prefixBlockReq  = "BLOCK_REQ"
	prefixBlockData = "BLOCK_DATA"
	prefixBlockEnd  = "BLOCK_END"
	prefixFileOK    = "FILE_OK"
	prefixFileGet   = "FILE_GET"
	prefixFileData  = "FILE_DATA"
	prefixFileEnd   = "FILE_END"
	prefixFileErr   = "FILE_ERR"
)

// BlockEndLine and FileOKLine are the fixed single-token lines of the
// protocol.
const (
	BlockEndLine = prefixBlockEnd + "\n"
	FileOKLine   = prefixFileOK + "\n"
	FileEndLine  = prefixFileEnd + "\n"
	FileErrLine  = prefixFileErr + "\n"
)

// ReadLine reads exactly one newline-terminated text line from r, including
// the trailing newline.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

// hasPrefix reports whether line begins with the given message prefix
// (ignoring the prefix's own trailing space/argument separator).
func hasPrefix(line, prefix string) bool {
	return strings.HasPrefix(line, prefix)
}

// IsFileHdr reports whether line is a FILE_HDR message.
func IsFileHdr(line string) bool { return hasPrefix(line, prefixFileHdr) }

// IsFileGet reports whether line is a FILE_GET message.
func IsFileGet(line string) bool { return hasPrefix(line, prefixFileGet) }

// FormatFileHdr formats a FILE_HDR message: "FILE_HDR <name> <size> <nblocks>\n".
func FormatFileHdr(name string, size int64, nblocks int) string {
	return prefixFileHdr + " " + name + " " + strconv.FormatInt(size, 10) + " " + strconv.Itoa(nblocks) + "\n"
}

// ParseFileHdr parses a FILE_HDR message line. basename strips any directory
// prefix up to and including the last '/'.
func ParseFileHdr(line string) (basename string, filesize int64, nblocks int, err error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != prefixFileHdr {
		return "", 0, 0, errors.Errorf("malformed FILE_HDR line: %q", line)
	}

	name := fields[1]
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" || len(name) > MaxPathLen {
		return "", 0, 0, errors.Errorf("invalid filename in FILE_HDR: %q", fields[1])
	}

	filesize, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil || filesize < 0 {
		return "", 0, 0, errors.Errorf("invalid filesize in FILE_HDR: %q", fields[2])
	}

	nblocksParsed, err := strconv.Atoi(fields[3])
	if err != nil || nblocksParsed < 0 {
		return "", 0, 0, errors.Errorf("invalid nblocks in FILE_HDR: %q", fields[3])
	}

	return name, filesize, nblocksParsed, nil
}

// FormatFileGet formats a FILE_GET request line.
func FormatFileGet(name string) string {
	return prefixFileGet + " " + name + "\n"
}

// ParseFileGet parses a FILE_GET request line, applying the same basename
// extraction as ParseFileHdr.
func ParseFileGet(line string) (basename string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != prefixFileGet {
		return "", errors.Errorf("malformed FILE_GET line: %q", line)
	}
	name := fields[1]
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" || len(name) > MaxPathLen {
		return "", errors.Errorf("invalid filename in FILE_GET: %q", fields[1])
	}
	return name, nil
}

// FormatFileData formats the FILE_DATA response header for a download.
func FormatFileData(size int64) string {
	return prefixFileData + " " + strconv.FormatInt(size, 10) + "\n"
}

// ParseFileData parses a FILE_DATA response header.
func ParseFileData(line string) (size int64, err error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != prefixFileData {
		return 0, errors.Errorf("malformed FILE_DATA line: %q", line)
	}
	size, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return 0, errors.Errorf("invalid size in FILE_DATA: %q", fields[1])
	}
	return size, nil
}

// FormatBlockReq formats the two-line BLOCK_REQ message: a count line
// followed by a space-separated index line (blank but newline-terminated
// when count is 0).
func FormatBlockReq(indices []int) string {
	var b strings.Builder
	b.WriteString(prefixBlockReq)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(len(indices)))
	b.WriteByte('\n')
	for i, idx := range indices {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(idx))
	}
	b.WriteByte('\n')
	return b.String()
}

// ParseBlockReqCount parses the BLOCK_REQ count line.
func ParseBlockReqCount(line string) (count int, err error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != prefixBlockReq {
		return 0, errors.Errorf("malformed BLOCK_REQ line: %q", line)
	}
	count, err = strconv.Atoi(fields[1])
	if err != nil || count < 0 {
		return 0, errors.Errorf("invalid count in BLOCK_REQ: %q", fields[1])
	}
	return count, nil
}

// ParseIndices parses a BLOCK_REQ index line into exactly count indices.
func ParseIndices(line string, count int) ([]int, error) {
	fields := strings.Fields(line)
	if len(fields) != count {
		return nil, errors.Errorf("expected %d indices, got %d", count, len(fields))
	}
	indices := make([]int, count)
	for i, f := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil || idx < 0 {
			return nil, errors.Errorf("invalid block index: %q", f)
		}
		indices[i] = idx
	}
	return indices, nil
}

// FormatBlockData formats a BLOCK_DATA header line.
func FormatBlockData(idx, clen, olen int) string {
	return prefixBlockData + " " + strconv.Itoa(idx) + " " + strconv.Itoa(clen) + " " + strconv.Itoa(olen) + "\n"
}

// IsBlockEnd reports whether line is the BLOCK_END message.
func IsBlockEnd(line string) bool {
	return strings.TrimRight(line, "\n") == prefixBlockEnd
}

// ParseBlockData parses a BLOCK_DATA header line.
func ParseBlockData(line string) (idx, clen, olen int, err error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != prefixBlockData {
		return 0, 0, 0, errors.Errorf("malformed BLOCK_DATA line: %q", line)
	}
	idx, err = strconv.Atoi(fields[1])
	if err != nil || idx < 0 {
		return 0, 0, 0, errors.Errorf("invalid block index in BLOCK_DATA: %q", fields[1])
	}
	clen, err = strconv.Atoi(fields[2])
	if err != nil || clen < 0 {
		return 0, 0, 0, errors.Errorf("invalid compressed length in BLOCK_DATA: %q", fields[2])
	}
	olen, err = strconv.Atoi(fields[3])
	if err != nil || olen < 0 {
		return 0, 0, 0, errors.Errorf("invalid original length in BLOCK_DATA: %q", fields[3])
	}
	return idx, clen, olen, nil
}

// IsFileErr reports whether line is the FILE_ERR message.
func IsFileErr(line string) bool {
	return strings.TrimRight(line, "\n") == prefixFileErr
}
