package extract

import (
	"errors"
	"fmt"
)

// ErrNoTables is returned when a document yields no usable table or
// structured text.
var ErrNoTables = errors.New("no tables found")

// ExtractionError wraps the failure of one table or document. It is always
// item-scoped.
type ExtractionError struct {
	Unit string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Unit, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
