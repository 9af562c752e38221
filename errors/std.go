package errors

import "errors"

// Is reports whether any error in err's tree matches target.
// It mirrors the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
