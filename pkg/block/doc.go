// Package block implements the weak/strong block-signature primitives used to
// detect changed regions between two versions of a file.
package block
