package machofile

import "errors"

// Structural Mach-O failures, per the capability checks the rewriter must
// perform before it will touch a binary.
var (
	ErrInvalidBinary     = errors.New("machofile: invalid binary")
	ErrMissingLinkedit   = errors.New("machofile: no __LINKEDIT segment")
	ErrLinkeditNotLast   = errors.New("machofile: __LINKEDIT is not the last segment")
	ErrDataAfterSignature = errors.New("machofile: data follows the code signature inside __LINKEDIT")
	ErrLoadCommandNoRoom = errors.New("machofile: no room to add a load command")
)
