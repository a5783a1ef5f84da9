// Package index implements the server-side per-file signature registry: the
// durable record of the last block signatures observed for each
// synchronized filename.
package index

import (
	"github.com/pkg/errors"

	"github.com/rsyncd/rsyncd/pkg/block"
)

// Entry is the per-file record: a basename, its last-synchronized size,
// block count, and ordered signature vector.
type Entry struct {
	// Filename is the path basename only; no directory components. It is
	// the registry key.
	Filename string
	// Filesize is the total byte length of the last-synchronized version.
	Filesize int64
	// NBlocks is ceil(Filesize/block.Size), or 1 if Filesize is 0.
	NBlocks int
	// Sigs holds exactly NBlocks signatures, indexed 0..NBlocks-1.
	Sigs block.Signatures
}

// validate checks that Sigs has exactly NBlocks elements and that NBlocks
// matches the size it describes.
func (e *Entry) validate() error {
	if e.NBlocks != block.NBlocks(e.Filesize) {
		return errors.Errorf("nblocks %d does not match filesize %d", e.NBlocks, e.Filesize)
	}
	if len(e.Sigs) != e.NBlocks {
		return errors.Errorf("entry %q has %d signatures, want %d", e.Filename, len(e.Sigs), e.NBlocks)
	}
	return nil
}

// NewEntry constructs a validated entry for filename, of the given size, with
// the given ordered signature vector. It transfers ownership of a freshly
// received signature vector into the registry at commit time, not a copy.
func NewEntry(filename string, filesize int64, sigs block.Signatures) (Entry, error) {
	entry := Entry{
		Filename: filename,
		Filesize: filesize,
		NBlocks:  block.NBlocks(filesize),
		Sigs:     sigs,
	}
	if err := entry.validate(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
