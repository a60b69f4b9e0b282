package privacy

// redactedError reports a scrubbed message but keeps the original chain for
// errors.Is and errors.As.
type redactedError struct {
	cause error
	msg   string
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// WrapError returns err with every URL password in its message redacted.
// A nil err stays nil.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &redactedError{cause: err, msg: ScrubMessage(err.Error())}
}
