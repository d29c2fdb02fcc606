package hub

import (
	"encoding/json"
	"fmt"
)

// Frame is the wire envelope for every inbound and outbound event: a named
// event carrying a JSON payload, in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// encodeFrame marshals an outbound event/payload pair into wire bytes.
func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	out, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return out, nil
}

// errorPayload is the body of every outbound "error" event.
type errorPayload struct {
	Message string `json:"message"`
}

// Inbound payload shapes. Every field beyond what a handler requires is
// ignored; fields are pointers or plain strings so a missing key decodes
// as the zero value rather than an error, letting handlers report a
// precise "missing field" validation error instead of a decode failure.

type authPayload struct {
	Token string `json:"token"`
}

type joinRoomPayload struct {
	RoomID string `json:"room_id"`
}

type leaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type sendMessagePayload struct {
	RoomID      string  `json:"room_id"`
	Content     *string `json:"content"`
	MessageType string  `json:"message_type"`
	ReplyTo     *string `json:"reply_to"`
}

type editMessagePayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type deleteMessagePayload struct {
	MessageID string `json:"message_id"`
}

type typingPayload struct {
	RoomID string `json:"room_id"`
}

type updateStatusPayload struct {
	Status string `json:"status"`
}

type fileUploadedPayload struct {
	RoomID      string  `json:"room_id"`
	FileName    string  `json:"file_name"`
	StoragePath string  `json:"storage_path"`
	FileSize    int64   `json:"file_size"`
	FileType    string  `json:"file_type"`
	MimeType    *string `json:"mime_type"`
	Thumbnail   *string `json:"thumbnail_path"`
	Width       *int    `json:"width"`
	Height      *int    `json:"height"`
	Duration    *int    `json:"duration"`
}
