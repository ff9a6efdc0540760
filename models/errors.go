package models

import "errors"

// ErrNotFound is returned by document and blob stores when a record does not
// exist.
var ErrNotFound = errors.New("record not found")
