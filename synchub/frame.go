package synchub

import (
	"encoding/json"
	"fmt"
)

// messages are framed by their `msg` field

type messageHeader struct {
	Msg MessageType `json:"msg"`
}

func EncodeMessage(message any) ([]byte, error) {
	switch v := message.(type) {
	case *SyncRequest:
		v.Msg = MessageTypeSync
	case *SyncResponse:
		if v.Msg != MessageTypeError {
			v.Msg = MessageTypeResponse
		}
	case *EventMessage:
		v.Msg = MessageTypeEvent
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	return json.Marshal(message)
}

func RequireEncodeMessage(message any) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

// returns one of `*SyncRequest`, `*SyncResponse`, `*EventMessage`
func DecodeMessage(b []byte) (any, error) {
	header := &messageHeader{}
	if err := json.Unmarshal(b, header); err != nil {
		return nil, err
	}
	var message any
	switch header.Msg {
	case MessageTypeSync:
		message = &SyncRequest{}
	case MessageTypeResponse, MessageTypeError:
		message = &SyncResponse{}
	case MessageTypeEvent:
		message = &EventMessage{}
	default:
		return nil, fmt.Errorf("Unknown message type: %q", header.Msg)
	}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	return message, nil
}
