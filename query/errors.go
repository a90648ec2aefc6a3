package query

import "errors"

// Sentinels surfaced by Get, wrapped only with the model name. They are plain
// errors, not part of the façade's ClientError taxonomy; the builder the
// façade hands out returns them as they are.
var (
	ErrNotFound      = errors.New("record not found")
	ErrMultipleFound = errors.New("multiple records found")
)
