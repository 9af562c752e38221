// Package validation decides whether an artifact is eligible for upload.
// It checks size, type and descriptive fields against a configured policy
// before any network call is made, and provides the content type detection
// and checksum helpers run in the same pre-flight phase.
//
// Validate is pure: it performs no I/O and collects every violation
// instead of stopping at the first one.
package validation
