package perch

import (
	"errors"
	"testing"
)

func TestSendMessageRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request SendMessageRequest
		wantErr bool
	}{
		{
			name:    "complete request",
			request: SendMessageRequest{ChannelID: "7", Content: "hello"},
		},
		{
			name:    "reply request",
			request: SendMessageRequest{ChannelID: "7", Content: "hello", ReplyToID: "42"},
		},
		{
			name:    "missing channel id",
			request: SendMessageRequest{Content: "hello"},
			wantErr: true,
		},
		{
			name:    "missing content",
			request: SendMessageRequest{ChannelID: "7"},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.request.Validate()
			if testCase.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %t", err, testCase.wantErr)
			}
			if testCase.wantErr && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Validate() = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestEditMessageRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request EditMessageRequest
		wantErr bool
	}{
		{
			name:    "complete request",
			request: EditMessageRequest{MessageID: "42", Content: "revised"},
		},
		{
			name:    "missing message id",
			request: EditMessageRequest{Content: "revised"},
			wantErr: true,
		},
		{
			name:    "missing content",
			request: EditMessageRequest{MessageID: "42"},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.request.Validate()
			if testCase.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %t", err, testCase.wantErr)
			}
			if testCase.wantErr && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Validate() = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestDeleteMessageRequestValidate(t *testing.T) {
	t.Parallel()

	if err := (DeleteMessageRequest{MessageID: "42"}).Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	err := (DeleteMessageRequest{}).Validate()
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Validate() = %v, want ErrInvalidRequest", err)
	}
}
