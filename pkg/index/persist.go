package index

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/rsyncd/rsyncd/pkg/block"
)

// CorruptIndexError indicates that a persisted index file exists but could
// not be parsed.
type CorruptIndexError struct {
	cause error
}

func (e *CorruptIndexError) Error() string {
	return errors.Wrap(e.cause, "corrupt index file").Error()
}

func (e *CorruptIndexError) Unwrap() error {
	return e.cause
}

// magic identifies the registry snapshot format and is followed by a format
// version, both little-endian.
const (
	magic          uint32 = 0x52535946 // "RSYF"
	formatVersion  uint32 = 1
	maxFilenameLen        = 1024 // matches wire.MaxPathLen
)

// Load reads the persisted registry at path. A missing or empty file yields
// an empty registry, not an error. A present-but-unparsable file yields a
// *CorruptIndexError.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(), nil
		}
		return nil, errors.Wrap(err, "unable to read index file")
	}
	if len(data) == 0 {
		return NewRegistry(), nil
	}

	registry, err := decode(data)
	if err != nil {
		return nil, &CorruptIndexError{cause: err}
	}
	return registry, nil
}

// Save atomically rewrites the snapshot at path: write to a temporary file
// in the same directory, flush, then rename over the target.
func Save(path string, registry *Registry) error {
	return writeFileAtomic(path, encode(registry), 0644)
}

func encode(registry *Registry) []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, magic)
	binary.Write(&buf, binary.LittleEndian, formatVersion)
	binary.Write(&buf, binary.LittleEndian, uint32(registry.Len()))

	for _, e := range registry.entries {
		name := []byte(e.Filename)
		binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
		buf.Write(name)
		binary.Write(&buf, binary.LittleEndian, uint64(e.Filesize))
		binary.Write(&buf, binary.LittleEndian, uint32(e.NBlocks))
		buf.Write(e.Sigs.MarshalBinary())
	}

	return buf.Bytes()
}

func decode(data []byte) (*Registry, error) {
	r := bytes.NewReader(data)

	var gotMagic, version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return nil, errors.Wrap(err, "unable to read magic")
	}
	if gotMagic != magic {
		return nil, errors.Errorf("unrecognized magic: %#x", gotMagic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, errors.Wrap(err, "unable to read format version")
	}
	if version != formatVersion {
		return nil, errors.Errorf("unsupported format version: %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, errors.Wrap(err, "unable to read entry count")
	}

	registry := NewRegistry()
	for i := uint32(0); i < count; i++ {
		entry, err := decodeEntry(r)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to decode entry %d", i)
		}
		registry.ReplaceOrAdd(entry)
	}

	if r.Len() != 0 {
		return nil, errors.New("trailing data after last entry")
	}

	return registry, nil
}

func decodeEntry(r *bytes.Reader) (Entry, error) {
	var nameLen uint32
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return Entry{}, errors.Wrap(err, "unable to read filename length")
	}
	if nameLen == 0 || nameLen > maxFilenameLen {
		return Entry{}, errors.Errorf("invalid filename length: %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Entry{}, errors.Wrap(err, "unable to read filename")
	}

	var filesize uint64
	if err := binary.Read(r, binary.LittleEndian, &filesize); err != nil {
		return Entry{}, errors.Wrap(err, "unable to read filesize")
	}

	var nblocks uint32
	if err := binary.Read(r, binary.LittleEndian, &nblocks); err != nil {
		return Entry{}, errors.Wrap(err, "unable to read block count")
	}

	sigBytes := make([]byte, int(nblocks)*block.WireSize)
	if _, err := io.ReadFull(r, sigBytes); err != nil {
		return Entry{}, errors.Wrap(err, "unable to read signature vector")
	}
	sigs, err := block.UnmarshalSignatures(sigBytes, int(nblocks))
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Filename: string(name),
		Filesize: int64(filesize),
		NBlocks:  int(nblocks),
		Sigs:     sigs,
	}
	if err := entry.validate(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
