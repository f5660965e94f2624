package synchub

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameRequest(t *testing.T) {
	ack := int64(7)
	b, err := EncodeMessage(&SyncRequest{
		RequestId: 3,
		Ack:       &ack,
		ClientId:  "c1",
		Database:  "main",
		Tasks: []*SyncTask{
			{Task: TaskKindRead, Container: "articles", Ids: []string{"a1"}},
		},
	})
	assert.Equal(t, err, nil)

	var wire map[string]any
	err = json.Unmarshal(b, &wire)
	assert.Equal(t, err, nil)
	assert.Equal(t, wire["msg"], "sync")
	assert.Equal(t, wire["req"], float64(3))
	assert.Equal(t, wire["ack"], float64(7))
	assert.Equal(t, wire["clt"], "c1")
	assert.Equal(t, wire["database"], "main")

	decoded, err := DecodeMessage(b)
	assert.Equal(t, err, nil)
	request, ok := decoded.(*SyncRequest)
	assert.Equal(t, ok, true)
	assert.Equal(t, request.RequestId, int64(3))
	assert.Equal(t, *request.Ack, int64(7))
	assert.Equal(t, len(request.Tasks), 1)
	assert.Equal(t, request.Tasks[0].Task, TaskKindRead)
}

func TestFrameResponseAndEvent(t *testing.T) {
	b := RequireEncodeMessage(&SyncResponse{
		Msg:     MessageTypeError,
		Message: "database not found: 'x'",
	})
	decoded, err := DecodeMessage(b)
	assert.Equal(t, err, nil)
	response := decoded.(*SyncResponse)
	assert.Equal(t, response.Msg, MessageTypeError)
	assert.Equal(t, response.Message, "database not found: 'x'")

	// a plain response always encodes as `resp`
	b = RequireEncodeMessage(&SyncResponse{RequestId: 1})
	decoded, err = DecodeMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.(*SyncResponse).Msg, MessageTypeResponse)

	b = RequireEncodeMessage(&EventMessage{
		ClientId: "c1",
		Seq:      4,
		Changes: []*ContainerChanges{
			{Container: "articles", Deletes: []string{"a1"}},
		},
	})
	decoded, err = DecodeMessage(b)
	assert.Equal(t, err, nil)
	event := decoded.(*EventMessage)
	assert.Equal(t, event.Msg, MessageTypeEvent)
	assert.Equal(t, event.Seq, int64(4))
	assert.Equal(t, event.Changes[0].Counts().String(), "creates: 0, upserts: 0, deletes: 1, merges: 0")
}

func TestFrameUnknownMessage(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"msg":"hello"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)

	_, err = EncodeMessage("hello")
	assert.NotEqual(t, err, nil)
}
