package relay

// ErrorType classifies a failed execution. The taxonomy is shared by
// every hop so callers can branch on one uniform shape regardless of
// where the failure originated.
type ErrorType string

const (
	// ErrorTimeout: no response within the configured timeout across
	// all attempts.
	ErrorTimeout ErrorType = "timeout"
	// ErrorNetwork: transport-level failure (connection refused, DNS)
	// across all attempts.
	ErrorNetwork ErrorType = "network"
	// ErrorServer: non-200 response from the relay server, including an
	// explicit 503 unavailable signal. Never retried.
	ErrorServer ErrorType = "server"
	// ErrorCommand: the executed command itself failed.
	ErrorCommand ErrorType = "command"
	// ErrorValidation: empty or denylisted command, or a malformed
	// response body.
	ErrorValidation ErrorType = "validation"
	// ErrorUnknown: anything else.
	ErrorUnknown ErrorType = "unknown"
)

// Failure describes why an execution failed.
type Failure struct {
	Message string                 `json:"error"`
	Type    ErrorType              `json:"error_type"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (f *Failure) Error() string {
	return f.Message
}

// Result is the single normalized outcome of one execution. Exactly one
// of the success fields (Output, Context) or Failure is populated.
type Result struct {
	Output  string                 `json:"output,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
	Failure *Failure               `json:"-"`
}

// Failed reports whether the execution resolved to a failure.
func (r *Result) Failed() bool {
	return r.Failure != nil
}
