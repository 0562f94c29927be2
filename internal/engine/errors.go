package engine

import "fmt"

// Code is the stable public error taxonomy from spec.md §6.
type Code int

const (
	CodeNotFound Code = iota
	CodeUnrecoverable
	CodeInsufficientDevices
	CodeBackpressureFull
	CodeCorruptMetadata
	CodeInvalidArgument
	CodeIOFailed
	CodeAlreadyExists
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "NotFound"
	case CodeUnrecoverable:
		return "Unrecoverable"
	case CodeInsufficientDevices:
		return "InsufficientDevices"
	case CodeBackpressureFull:
		return "BackpressureFull"
	case CodeCorruptMetadata:
		return "CorruptMetadata"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeIOFailed:
		return "IoFailed"
	case CodeAlreadyExists:
		return "AlreadyExists"
	default:
		return "Unknown"
	}
}

// StorageError is the error type every public Engine method returns on
// failure, translating lower-layer failures into the stable taxonomy from
// spec.md §6 while preserving the underlying cause for %v/%w chains.
type StorageError struct {
	Code    Code
	Device  *uuidLike // set only for IoFailed
	Cause   error
}

// uuidLike avoids importing satori/go.uuid here just for the error type's
// doc; ioFailed's callers (write.go, rebuild.go) pass a concrete uuid.UUID.
type uuidLike = [16]byte

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *StorageError) Unwrap() error { return e.Cause }

func newErr(code Code, cause error) *StorageError {
	return &StorageError{Code: code, Cause: cause}
}

func ioFailed(dev [16]byte, cause error) *StorageError {
	d := dev
	return &StorageError{Code: CodeIOFailed, Device: &d, Cause: cause}
}
