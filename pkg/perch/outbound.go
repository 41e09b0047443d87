package perch

import "fmt"

// SendMessageRequest describes one new outbound message.
type SendMessageRequest struct {
	// ChannelID identifies the destination channel.
	ChannelID string
	// Content is the message body.
	Content string
	// ReplyToID optionally links this message as a reply.
	ReplyToID string
	// Silent suppresses destination-side notifications when supported.
	Silent bool
}

// Validate checks the request envelope before dispatch.
func (r SendMessageRequest) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("%w: missing channel id", ErrInvalidRequest)
	}
	if r.Content == "" {
		return fmt.Errorf("%w: missing message content", ErrInvalidRequest)
	}

	return nil
}

// EditMessageRequest describes one content edit for an existing message.
type EditMessageRequest struct {
	// MessageID identifies which message should be edited.
	MessageID string
	// Content is the replacement message body.
	Content string
}

// Validate checks the request envelope before dispatch.
func (r EditMessageRequest) Validate() error {
	if r.MessageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidRequest)
	}
	if r.Content == "" {
		return fmt.Errorf("%w: missing message content", ErrInvalidRequest)
	}

	return nil
}

// DeleteMessageRequest describes one message deletion.
type DeleteMessageRequest struct {
	// MessageID identifies which message should be deleted.
	MessageID string
}

// Validate checks the request envelope before dispatch.
func (r DeleteMessageRequest) Validate() error {
	if r.MessageID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidRequest)
	}

	return nil
}
