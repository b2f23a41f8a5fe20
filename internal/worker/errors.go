package worker

// Per-job failures carry a kind that travels to the coordinator as the
// error_type field of the structured error result.
const (
	kindBadRequest   = "bad_request"
	kindLoadError    = "load_error"
	kindBackendError = "backend_error"
	kindStreamError  = "stream_error"
	kindInternal     = "internal_error"
)

type jobError struct {
	kind string
	err  error
}

func (e jobError) Error() string { return e.err.Error() }
func (e jobError) Unwrap() error { return e.err }

func errorKind(kind string, err error) error { return jobError{kind: kind, err: err} }

// ErrorType maps an error to its wire error_type.
func ErrorType(err error) string {
	if je, ok := err.(jobError); ok {
		return je.kind
	}
	return kindInternal
}

// IsLoadFailure reports whether err came from model resolution, estimation,
// or backend construction.
func IsLoadFailure(err error) bool {
	je, ok := err.(jobError)
	return ok && je.kind == kindLoadError
}
