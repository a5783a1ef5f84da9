// Package syncengine implements the per-connection delta-synchronization
// state machine for both server and client: header parsing, signature
// diffing, block request/response, in-place reconstruction, and index
// commit, driven over the text/binary wire format in pkg/wire.
package syncengine
