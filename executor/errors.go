package executor

import (
	"errors"
	"fmt"
)

// Kind classifies why an invocation failed.
type Kind int

const (
	ModuleLoad Kind = iota + 1
	Instantiation
	FunctionNotFound
	SignatureMismatch
	FuelExhausted
	ResourceLimitExceeded
	GuestTrap
	ResultType
)

var kindNames = map[Kind]string{
	ModuleLoad:            "ModuleLoadError",
	Instantiation:         "InstantiationError",
	FunctionNotFound:      "FunctionNotFoundError",
	SignatureMismatch:     "SignatureMismatchError",
	FuelExhausted:         "FuelExhaustedError",
	ResourceLimitExceeded: "ResourceLimitExceededError",
	GuestTrap:             "GuestTrapError",
	ResultType:            "ResultTypeError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is returned by Execute for every failed invocation.
type Error struct {
	Kind Kind
	// Op is the step that failed, e.g. "compile" or "call".
	Op  string
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrModuleLoad            = &Error{Kind: ModuleLoad}
	ErrInstantiation         = &Error{Kind: Instantiation}
	ErrFunctionNotFound      = &Error{Kind: FunctionNotFound}
	ErrSignatureMismatch     = &Error{Kind: SignatureMismatch}
	ErrFuelExhausted         = &Error{Kind: FuelExhausted}
	ErrResourceLimitExceeded = &Error{Kind: ResourceLimitExceeded}
	ErrGuestTrap             = &Error{Kind: GuestTrap}
	ErrResultType            = &Error{Kind: ResultType}
)

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Kind.String()
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
