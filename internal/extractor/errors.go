package extractor

import "fmt"

// SourceError wraps a failure reading a sub-query. These are retried from
// the last checkpoint.
type SourceError struct {
	Query    string
	SubQuery int
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("read %s[%d]: %v", e.Query, e.SubQuery, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// WriteError wraps a failure writing to the output. These fail the
// extraction.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
