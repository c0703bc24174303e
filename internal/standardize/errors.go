package standardize

import (
	"fmt"
	"strings"
)

// ParseError reports a source file that could not be read as a table.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("standardize: parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SchemaError reports a source file missing required columns.
type SchemaError struct {
	Path    string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("standardize: %s: missing required columns: [%s]", e.Path, strings.Join(e.Missing, ", "))
}
