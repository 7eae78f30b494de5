package protocol

// Error codes carried in error envelopes. The UI maps these to human
// messages; the code alone names the failure class.
const (
	ErrorCodeInvalidMessage        = "INVALID_MESSAGE"
	ErrorCodeUnknownKind           = "UNKNOWN_KIND"
	ErrorCodeUnknownCommand        = "UNKNOWN_COMMAND"
	ErrorCodeInternalError         = "INTERNAL_ERROR"
	ErrorCodeIngestFailed          = "INGEST_FAILED"
	ErrorCodeRepoNotFound          = "REPO_NOT_FOUND"
	ErrorCodeRepoBusy              = "REPO_BUSY"
	ErrorCodeDuplicateOrchestrator = "DUPLICATE_ORCHESTRATOR"
	ErrorCodeSessionNotFound       = "SESSION_NOT_FOUND"
	ErrorCodeSessionNotWaiting     = "SESSION_NOT_WAITING"
	ErrorCodeNoContainer           = "NO_CONTAINER"
)

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewError builds an error envelope for the given code and message.
func NewError(sessionID *string, code, message string, details map[string]any) *Envelope {
	env, _ := New(KindError, sessionID, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
	return env
}
