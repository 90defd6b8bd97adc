package conversation

import "errors"

var (
	// ErrConversationNotFound is returned when no conversation exists for a key.
	ErrConversationNotFound = errors.New("conversation: not found")
	// ErrStaleCheckpoint is returned by Commit when another attempt already
	// advanced the conversation past the expected sequence number.
	ErrStaleCheckpoint = errors.New("conversation: checkpoint is stale")
	// ErrDataCorruption marks a conversation whose checkpoint is unreadable or
	// inconsistent with its turns. The conversation is quarantined.
	ErrDataCorruption = errors.New("conversation: data corruption")
	// ErrToolLoopExceeded is raised when one inbound message asks for more tool
	// calls than the configured depth.
	ErrToolLoopExceeded = errors.New("conversation: tool call depth exceeded")
	// ErrQuarantined is returned when a message arrives for a quarantined
	// conversation.
	ErrQuarantined = errors.New("conversation: conversation is quarantined")
	// ErrMalformedPayload is returned for inbound payloads that cannot be decoded.
	ErrMalformedPayload = errors.New("conversation: malformed payload")
	// ErrInvalidKey is returned when a conversation key is blank.
	ErrInvalidKey = errors.New("conversation: conversation key required")
	// ErrDeliveryNotFound is returned by delivery logs for unknown ids.
	ErrDeliveryNotFound = errors.New("conversation: delivery not found")
	// ErrDuplicateDelivery is returned by RecordPending when the conversation
	// already has a delivery for the same provider message id.
	ErrDuplicateDelivery = errors.New("conversation: duplicate provider message")
)
