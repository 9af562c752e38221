// Package multipart handles multipart upload operations with concurrent part
// uploads, per-part retries and cleanup of partial state on failure.
//
// There is no partial-object success: either every part is stored and the
// broker assembles the object, or the multipart session is aborted.
package multipart
