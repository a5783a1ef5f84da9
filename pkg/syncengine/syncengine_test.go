package syncengine

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rsyncd/rsyncd/pkg/block"
	"github.com/rsyncd/rsyncd/pkg/index"
	"github.com/rsyncd/rsyncd/pkg/wire"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	syncDir := filepath.Join(dir, "synced")
	if err := os.Mkdir(syncDir, 0755); err != nil {
		t.Fatal(err)
	}
	store, err := index.NewStore(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return NewServer(store, syncDir, nil), syncDir
}

// runSync drives one synchronization session over an in-memory pipe: the
// server's handleConnection runs concurrently with the client's
// syncOverConn.
func runSync(t *testing.T, server *Server, path string) SyncResult {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		server.handleConnection(serverConn)
		close(done)
	}()

	client := NewClient("", nil)
	result, err := client.syncOverConn(clientConn, path)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	clientConn.Close()
	<-done
	return result
}

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readSynced(t *testing.T, syncDir, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(syncDir, name))
	if err != nil {
		t.Fatalf("unable to read synced file: %v", err)
	}
	return data
}

// Scenario 1: cold upload, 2500-byte file, nothing in the index yet.
func TestColdUpload2500Bytes(t *testing.T) {
	server, syncDir := newTestServer(t)
	clientDir := t.TempDir()

	data := make([]byte, 2500)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTempFile(t, clientDir, "foo.bin", data)

	result := runSync(t, server, path)

	if result.RequestedBlocks != 3 {
		t.Errorf("requested blocks = %d, want 3", result.RequestedBlocks)
	}
	if result.Acknowledgement != "FILE_OK" {
		t.Errorf("acknowledgement = %q, want FILE_OK", result.Acknowledgement)
	}

	got := readSynced(t, syncDir, "foo.bin")
	if len(got) != 2500 {
		t.Fatalf("synced file length = %d, want 2500", len(got))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("synced file diverges from source at byte %d", i)
		}
	}
}

// Scenario 2: idempotent resync of an unchanged file requests zero blocks
// and performs no writes.
func TestIdempotentResyncRequestsNoBlocks(t *testing.T) {
	server, syncDir := newTestServer(t)
	clientDir := t.TempDir()

	data := []byte("identical contents, synced twice in a row")
	path := writeTempFile(t, clientDir, "same.bin", data)

	first := runSync(t, server, path)
	if first.RequestedBlocks != 1 {
		t.Fatalf("first sync requested %d blocks, want 1", first.RequestedBlocks)
	}

	info, err := os.Stat(filepath.Join(syncDir, "same.bin"))
	if err != nil {
		t.Fatal(err)
	}
	modBefore := info.ModTime()

	second := runSync(t, server, path)
	if second.RequestedBlocks != 0 {
		t.Errorf("second sync requested %d blocks, want 0", second.RequestedBlocks)
	}
	if second.Acknowledgement != "FILE_OK" {
		t.Errorf("acknowledgement = %q, want FILE_OK", second.Acknowledgement)
	}

	info, err = os.Stat(filepath.Join(syncDir, "same.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(modBefore) {
		t.Error("output file was modified during a no-op resync")
	}
}

// Scenario 3: a single-block change among four blocks requests exactly the
// changed block.
func TestSingleBlockChange(t *testing.T) {
	server, syncDir := newTestServer(t)
	clientDir := t.TempDir()

	original := make([]byte, 4*1024)
	for i := range original {
		original[i] = byte(i % 256)
	}
	path := writeTempFile(t, clientDir, "partial.bin", original)
	runSync(t, server, path)

	modified := make([]byte, len(original))
	copy(modified, original)
	for i := 2048; i < 3072; i++ {
		modified[i] = ^modified[i]
	}
	if err := os.WriteFile(path, modified, 0644); err != nil {
		t.Fatal(err)
	}

	result := runSync(t, server, path)
	if result.RequestedBlocks != 1 {
		t.Fatalf("requested blocks = %d, want 1", result.RequestedBlocks)
	}

	got := readSynced(t, syncDir, "partial.bin")
	if len(got) != len(modified) {
		t.Fatalf("synced length = %d, want %d", len(got), len(modified))
	}
	for i := range modified {
		if got[i] != modified[i] {
			t.Fatalf("byte %d diverges from expected modified content", i)
		}
	}
}

// Scenario 4: file shrinkage forces a full re-request because nblocks
// changed, and the output file is resized to the new length.
func TestFileShrinkageRequestsAllBlocks(t *testing.T) {
	server, syncDir := newTestServer(t)
	clientDir := t.TempDir()

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	path := writeTempFile(t, clientDir, "shrink.bin", big)
	runSync(t, server, path)

	small := big[:1500]
	if err := os.WriteFile(path, small, 0644); err != nil {
		t.Fatal(err)
	}

	result := runSync(t, server, path)
	if result.RequestedBlocks != 2 {
		t.Fatalf("requested blocks = %d, want 2", result.RequestedBlocks)
	}

	got := readSynced(t, syncDir, "shrink.bin")
	if len(got) != 1500 {
		t.Fatalf("synced length = %d, want 1500", len(got))
	}
	for i := range small {
		if got[i] != small[i] {
			t.Fatalf("byte %d diverges after shrinkage", i)
		}
	}
}

// Scenario 6: an empty file syncs to a zero-length entry with a single
// all-zero-weak signature.
func TestEmptyFileSync(t *testing.T) {
	server, syncDir := newTestServer(t)
	clientDir := t.TempDir()

	path := writeTempFile(t, clientDir, "empty.bin", nil)

	result := runSync(t, server, path)
	if result.RequestedBlocks != 1 {
		t.Fatalf("requested blocks = %d, want 1", result.RequestedBlocks)
	}

	got := readSynced(t, syncDir, "empty.bin")
	if len(got) != 0 {
		t.Errorf("synced empty file has length %d, want 0", len(got))
	}

	entry, ok := server.store.Find("empty.bin")
	if !ok {
		t.Fatal("expected index entry for empty.bin")
	}
	if entry.Filesize != 0 || entry.NBlocks != 1 || len(entry.Sigs) != 1 {
		t.Fatalf("entry = size %d, nblocks %d, %d sigs; want 0, 1, 1", entry.Filesize, entry.NBlocks, len(entry.Sigs))
	}
	if entry.Sigs[0].Weak != 0 {
		t.Errorf("empty block weak checksum = %d, want 0", entry.Sigs[0].Weak)
	}
}

// Download: the supplemental FILE_GET path serves back exactly what was
// synced.
func TestDownloadRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)
	clientDir := t.TempDir()

	data := []byte("round trip me please")
	path := writeTempFile(t, clientDir, "dl.bin", data)
	runSync(t, server, path)

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		server.handleConnection(serverConn)
		close(done)
	}()

	client := NewClient("", nil)
	destPath := filepath.Join(clientDir, "dl-downloaded.bin")
	n, err := client.downloadOverConn(clientConn, "dl.bin", destPath)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	clientConn.Close()
	<-done

	if n != int64(len(data)) {
		t.Errorf("reported %d bytes, want %d", n, len(data))
	}
	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("downloaded content = %q, want %q", got, data)
	}
}

// A BLOCK_DATA frame whose payload fails to decompress to the declared
// length is skipped, but the session still completes and commits the
// client's signature as authoritative — the documented, deliberate
// divergence policy recorded in DESIGN.md.
func TestDecompressionMismatchSkipsBlockButStillCommits(t *testing.T) {
	server, syncDir := newTestServer(t)

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		server.handleConnection(serverConn)
		close(done)
	}()

	sigs := block.Signatures{block.Of(make([]byte, 1024))}

	writer := bufio.NewWriter(clientConn)
	writer.WriteString(wire.FormatFileHdr("bad.bin", 1024, 1))
	writer.Write(sigs.MarshalBinary())
	writer.Flush()

	reader := bufio.NewReader(clientConn)
	countLine, err := wire.ReadLine(reader)
	if err != nil {
		t.Fatalf("unable to read block request: %v", err)
	}
	if _, err := wire.ParseBlockReqCount(countLine); err != nil {
		t.Fatal(err)
	}
	if _, err := wire.ReadLine(reader); err != nil {
		t.Fatalf("unable to read index line: %v", err)
	}

	// 40 bytes that do not decompress to 1024 bytes of anything sensible.
	garbage := make([]byte, 40)
	for i := range garbage {
		garbage[i] = byte(i)
	}
	writer.WriteString(wire.FormatBlockData(0, len(garbage), 1024))
	writer.Write(garbage)
	writer.WriteString(wire.BlockEndLine)
	writer.Flush()

	ackLine, err := wire.ReadLine(reader)
	if err != nil {
		t.Fatalf("unable to read acknowledgement: %v", err)
	}
	if ackLine != wire.FileOKLine {
		t.Errorf("acknowledgement = %q, want %q", ackLine, wire.FileOKLine)
	}

	clientConn.Close()
	<-done

	// The block was never written because decompression failed, so the
	// file was created (truncated to size) but left zero-filled.
	got := readSynced(t, syncDir, "bad.bin")
	if len(got) != 1024 {
		t.Fatalf("synced file length = %d, want 1024", len(got))
	}
	for _, b := range got {
		if b != 0 {
			t.Fatal("expected zero-filled block since decompression failed")
		}
	}

	// But the index was still committed with the client's signature,
	// which now diverges from the on-disk (all-zero) content.
	entry, ok := server.store.Find("bad.bin")
	if !ok {
		t.Fatal("expected index entry to be committed despite the decompression failure")
	}
	if !block.Equal(entry.Sigs[0], sigs[0]) {
		t.Error("committed signature should match the client's declared signature")
	}
}

func TestDownloadMissingFile(t *testing.T) {
	server, _ := newTestServer(t)
	clientDir := t.TempDir()

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		server.handleConnection(serverConn)
		close(done)
	}()

	client := NewClient("", nil)
	_, err := client.downloadOverConn(clientConn, "nope.bin", filepath.Join(clientDir, "nope.bin"))
	clientConn.Close()
	<-done

	if err == nil {
		t.Error("expected error downloading nonexistent file")
	}
}
