package engine

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors wrap one of these so callers can branch with
// errors.Is on either the kind or the specific condition.
var (
	ErrInput = errors.New("input error")
	ErrState = errors.New("state error")
)

var (
	ErrEmptyInput      = fmt.Errorf("%w: empty record set", ErrInput)
	ErrNoUsableRecords = fmt.Errorf("%w: no usable records", ErrInput)

	ErrModelNotBuilt       = fmt.Errorf("%w: model not built", ErrState)
	ErrPatternsNotDetected = fmt.Errorf("%w: patterns not detected", ErrState)

	ErrAddressNotFound = errors.New("address not found")
	ErrClusterNotFound = errors.New("cluster not found")
)
