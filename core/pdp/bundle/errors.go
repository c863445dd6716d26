package bundle

import "fmt"

// SignatureError reports a trust violation: missing or invalid signature,
// untrusted signer or an inconsistent security policy.
type SignatureError struct {
	Msg string
	Err error
}

func signatureErrorf(format string, args ...any) *SignatureError {
	return &SignatureError{Msg: fmt.Sprintf(format, args...)}
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bundle signature: %s: %v", e.Msg, e.Err)
	}
	return "bundle signature: " + e.Msg
}

func (e *SignatureError) Unwrap() error { return e.Err }

// ParseError reports a body that is not a well-formed bundle archive.
type ParseError struct {
	Source string
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("bundle parse (%s): %s", e.Source, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }
