package boperror

import (
	"errors"
	"fmt"
)

// Codes classify external-call failures. Unmet preconditions and
// unsupported remote requests are not errors of this taxonomy: they
// travel as hook result variants (defer, fail).
const (
	BOP_UNEXPECTED          = "BOPUN"
	BOP_BACKEND_UNAVAILABLE = "BOPBU"
	BOP_INCONSISTENT        = "BOPIC"
	BOP_ALREADY_EXISTS      = "BOPAE"
	BOP_DOES_NOT_EXIST      = "BOPNE"
)

var existingErrorCodeMap = map[string]string{
	BOP_BACKEND_UNAVAILABLE: "backend database unavailable",
	BOP_INCONSISTENT:        "local state missing expected entries",
	BOP_ALREADY_EXISTS:      "role or database already exists",
	BOP_DOES_NOT_EXIST:      "role or database does not exist",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &BopError{}

type BopError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *BopError {
	return &BopError{
		Err:       errors.New(errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *BopError {
	return &BopError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

func Wrap(errorCode string, err error) *BopError {
	return &BopError{
		Err:       err,
		ErrorCode: errorCode,
	}
}

func (er *BopError) Error() string {
	return fmt.Sprintf("Code: %s. Name: %s. Description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *BopError) Unwrap() error {
	return er.Err
}

// CodeOf reports the taxonomy code of err, or BOP_UNEXPECTED for
// errors raised outside the taxonomy.
func CodeOf(err error) string {
	var be *BopError
	if errors.As(err, &be) {
		return be.ErrorCode
	}
	return BOP_UNEXPECTED
}

func Is(err error, errorCode string) bool {
	return CodeOf(err) == errorCode
}
