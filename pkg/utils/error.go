package utils

import (
	"fmt"
)

var (
	ErrBadRequest    = fmt.Errorf("Bad request")
	ErrInvalidConfig = fmt.Errorf("Invalid configuration")
	ErrNotFound      = fmt.Errorf("Not found")
	ErrParse         = fmt.Errorf("Parse error")
	ErrUnreachable   = fmt.Errorf("Host unreachable")
)

type DetailedError interface {
	error
	Details() string
}
