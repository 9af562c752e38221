// Package operations contains the operations an upload session runs against
// the broker and object storage.
package operations
