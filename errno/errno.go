// Package errno defines the status codes returned across the platform device framework boundary.
//
// Every code is a comparable error value so callers can match with errors.Is even after the code
// has been wrapped with additional context.
package errno

import (
	"fmt"

	"github.com/pkg/errors"
)

// A Code is a status code shared with the rest of the host driver framework.
type Code int32

// Generic framework codes.
const (
	Success          Code = 0
	Failure          Code = -1
	ErrNotSupport    Code = -2
	ErrInvalidParam  Code = -3
	ErrInvalidObject Code = -4
	ErrMallocFail    Code = -6
	ErrTimeout       Code = -7
)

// bspErrStart is the first platform specific code; platform codes count down from it.
const bspErrStart Code = -100

// Platform specific codes.
const (
	ErrOsAPI Code = bspErrStart - 1 - iota
	ErrOpenDev
	ErrNoDev
	ErrDevType
	ErrDevGet
	ErrDevAdd
	ErrDevFull
	ErrIDRepeat
	ErrNameRepeat
	ErrObjRepeat
	ErrNoData
	ErrRscNotAvl
)

var codeNames = map[Code]string{
	Success:          "SUCCESS",
	Failure:          "FAILURE",
	ErrNotSupport:    "ERR_NOT_SUPPORT",
	ErrInvalidParam:  "ERR_INVALID_PARAM",
	ErrInvalidObject: "ERR_INVALID_OBJECT",
	ErrMallocFail:    "ERR_MALLOC_FAIL",
	ErrTimeout:       "ERR_TIMEOUT",
	ErrOsAPI:         "PLT_ERR_OS_API",
	ErrOpenDev:       "PLT_ERR_OPEN_DEV",
	ErrNoDev:         "PLT_ERR_NO_DEV",
	ErrDevType:       "PLT_ERR_DEV_TYPE",
	ErrDevGet:        "PLT_ERR_DEV_GET",
	ErrDevAdd:        "PLT_ERR_DEV_ADD",
	ErrDevFull:       "PLT_ERR_DEV_FULL",
	ErrIDRepeat:      "PLT_ERR_ID_REPEAT",
	ErrNameRepeat:    "PLT_ERR_NAME_REPEAT",
	ErrObjRepeat:     "PLT_ERR_OBJ_REPEAT",
	ErrNoData:        "PLT_ERR_NO_DATA",
	ErrRscNotAvl:     "PLT_RSC_NOT_AVL",
}

// String returns the symbolic name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

func (c Code) Error() string {
	return c.String()
}

// CodeOf extracts the status code carried by err. A nil error is Success and an error that
// carries no code is reported as Failure.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}
	return Failure
}

// Wrapf annotates a status code with a formatted message while keeping it matchable.
func Wrapf(code Code, format string, args ...interface{}) error {
	return errors.Wrapf(code, format, args...)
}
