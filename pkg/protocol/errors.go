package protocol

// Wire error codes carried in ERROR payloads.
const (
    CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
    CodeBadMessage         = "BAD_MESSAGE"
    CodeTooLarge           = "TOO_LARGE"
    CodeNotMember          = "NOT_MEMBER"
)

// NewError builds a ready-to-send ERROR envelope.
func NewError(from NodeRef, code, message string) *Envelope {
    return NewEnvelope(TypeError, from).WithPayload(ErrorPayload{Code: code, Message: message})
}

// NewRequestError builds an ERROR envelope that rejects a specific request.
func NewRequestError(from NodeRef, code, message, requestID, roomID string) *Envelope {
    return NewEnvelope(TypeError, from).WithPayload(ErrorPayload{Code: code, Message: message, RequestID: requestID, RoomID: roomID})
}
