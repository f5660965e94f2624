package synchub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestHub(ctx context.Context, events bool) *Hub {
	hub := NewHubWithDefaults(ctx)
	hub.AddDatabase(NewMemoryDatabase("main"))
	hub.AddDatabase(NewMonitorDatabase("monitor", hub))
	if events {
		hub.EnableEvents(DefaultEventSequencerSettings())
	}
	return hub
}

func rawJson(values ...string) []json.RawMessage {
	out := []json.RawMessage{}
	for _, value := range values {
		out = append(out, json.RawMessage(value))
	}
	return out
}

func TestHubExecute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(ctx, false)
	defer hub.Close()

	response := hub.ExecuteRequest(ctx, &SyncRequest{
		RequestId: 1,
		Tasks: []*SyncTask{
			{Task: TaskKindUpsert, Container: "users", Set: rawJson(`{"id":"u1","name":"Peter"}`)},
			{Task: TaskKindUpsert, Container: "articles", Set: rawJson(
				`{"id":"a1","author":"u1","likes":3}`,
				`{"id":"a2","author":"u1","likes":30}`,
			)},
		},
	})
	assert.Equal(t, response.Msg, MessageTypeResponse)
	assert.Equal(t, response.RequestId, int64(1))
	assert.Equal(t, len(response.Tasks), 2)
	assert.Equal(t, response.Tasks[1].IsError(), false)
	assert.Equal(t, response.Tasks[1].Keys, []string{"a1", "a2"})
	// no subscriptions, no client id
	assert.Equal(t, response.ClientId, "")

	response = hub.ExecuteRequest(ctx, &SyncRequest{
		RequestId: 2,
		Tasks: []*SyncTask{
			{
				Task:      TaskKindRead,
				Container: "articles",
				Ids:       []string{"a1", "a9"},
				Relations: []*RelationRef{{Container: "users", Field: "author"}},
			},
			{Task: TaskKindQuery, Container: "articles", Filter: "likes>10"},
			{Task: TaskKindDelete, Container: "articles", Ids: []string{"a2"}},
			{Task: TaskKindCommand, Name: StdEchoCommand, Param: json.RawMessage(`{"hello":"world"}`)},
		},
	})
	read := response.Tasks[0]
	assert.Equal(t, read.IsError(), false)
	assert.Equal(t, len(read.Entities), 1)
	assert.Equal(t, read.NotFound, []string{"a9"})
	assert.Equal(t, len(read.Relations), 1)
	assert.Equal(t, read.Relations[0].Container, "users")
	assert.Equal(t, string(read.Relations[0].Entities[0]), `{"id":"u1","name":"Peter"}`)

	query := response.Tasks[1]
	assert.Equal(t, query.Count, 1)
	assert.Equal(t, EntityKey(query.Entities[0], DefaultKeyName), "a2")

	assert.Equal(t, response.Tasks[2].Keys, []string{"a2"})
	assert.Equal(t, string(response.Tasks[3].Result), `{"hello":"world"}`)
}

func TestHubErrorResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultHubSettings()
	settings.MaxTasks = 2
	hub := NewHub(ctx, settings)
	hub.AddDatabase(NewMemoryDatabase("main"))

	response := hub.ExecuteRequest(ctx, &SyncRequest{
		RequestId: 1,
		Database:  "other",
		Tasks:     []*SyncTask{{Task: TaskKindRead, Container: "a"}},
	})
	assert.Equal(t, response.Msg, MessageTypeError)
	assert.Equal(t, response.RequestId, int64(1))
	assert.Equal(t, response.Message, "database not found: 'other'")

	response = hub.ExecuteRequest(ctx, &SyncRequest{
		RequestId: 2,
		Tasks: []*SyncTask{
			{Task: TaskKindRead, Container: "a"},
			{Task: TaskKindRead, Container: "a"},
			{Task: TaskKindRead, Container: "a"},
		},
	})
	assert.Equal(t, response.Msg, MessageTypeError)

	request, response := hub.ExecuteMessage(ctx, []byte(`{"msg":"ev","seq":1}`))
	assert.Equal(t, request, nil)
	assert.Equal(t, response.Msg, MessageTypeError)

	request, response = hub.ExecuteMessage(ctx, []byte(`{`))
	assert.Equal(t, request, nil)
	assert.Equal(t, response.Msg, MessageTypeError)
}

func TestHubPermissionDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(ctx, false)
	hub.SetAuthenticator(NewUserAuthenticator(map[string]string{"alice": "secret"}, false))

	response := hub.ExecuteRequest(ctx, &SyncRequest{
		UserId: "alice",
		Tasks: []*SyncTask{
			{Task: TaskKindRead, Container: "articles", Ids: []string{"a1"}},
			{Task: TaskKindUpsert, Container: "articles", Set: rawJson(`{"id":"a1"}`)},
		},
	})
	assert.Equal(t, response.Msg, MessageTypeResponse)
	for _, result := range response.Tasks {
		assert.Equal(t, result.IsError(), true)
		assert.Equal(t, result.Type, PermissionDenied)
		assert.Equal(t, result.Message, "not authorized. user authentication requires 'token'. user: 'alice'")
	}

	// the upsert was not executed
	response = hub.ExecuteRequest(ctx, &SyncRequest{
		UserId: "alice",
		Token:  "secret",
		Tasks: []*SyncTask{
			{Task: TaskKindRead, Container: "articles", Ids: []string{"a1"}},
		},
	})
	assert.Equal(t, response.Tasks[0].IsError(), false)
	assert.Equal(t, response.Tasks[0].NotFound, []string{"a1"})

	hub.SetAuthorizer(NewTaskAuthorizer(&TaskRule{
		Users: []string{"alice"},
		Kinds: []TaskKind{TaskKindRead},
	}))
	response = hub.ExecuteRequest(ctx, &SyncRequest{
		UserId: "alice",
		Token:  "secret",
		Tasks: []*SyncTask{
			{Task: TaskKindRead, Container: "articles", Ids: []string{"a1"}},
			{Task: TaskKindDelete, Container: "articles", Ids: []string{"a1"}},
		},
	})
	assert.Equal(t, response.Tasks[0].IsError(), false)
	assert.Equal(t, response.Tasks[1].Type, PermissionDenied)
	assert.Equal(t, response.Tasks[1].Message, "not authorized. user: 'alice'")
}

func TestHubCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// no event dispatcher
	hub := newTestHub(ctx, false)

	hub.AddCommandHandler("test.Add", func(ctx context.Context, command *CommandContext, param json.RawMessage) (any, error) {
		var values []int
		if err := json.Unmarshal(param, &values); err != nil {
			return nil, err
		}
		sum := 0
		for _, value := range values {
			sum += value
		}
		return sum, nil
	})
	hub.AddCommandHandler("test.Deny", func(ctx context.Context, command *CommandContext, param json.RawMessage) (any, error) {
		return nil, NewTaskError(PermissionDenied, "denied")
	})
	hub.AddCommandHandler("test.Fail", func(ctx context.Context, command *CommandContext, param json.RawMessage) (any, error) {
		return nil, errors.New("failed")
	})
	hub.AddCommandHandler("test.Panic", func(ctx context.Context, command *CommandContext, param json.RawMessage) (any, error) {
		panic("boom")
	})

	queueEvents := true
	queueEventsParam, _ := json.Marshal(&StdClientParam{QueueEvents: &queueEvents})

	response := hub.ExecuteRequest(ctx, &SyncRequest{
		Tasks: []*SyncTask{
			{Task: TaskKindUpsert, Container: "articles", Set: rawJson(`{"id":"a1"}`)},
			{Task: TaskKindCommand, Name: StdClientCommand, Param: queueEventsParam},
			{Task: TaskKindCommand, Name: "test.Add", Param: json.RawMessage(`[1,2,3]`)},
			{Task: TaskKindCommand, Name: "test.Deny"},
			{Task: TaskKindCommand, Name: "test.Fail"},
			{Task: TaskKindCommand, Name: "test.Panic"},
			{Task: TaskKindCommand, Name: "test.Missing"},
			{Task: TaskKindRead, Container: "articles", Ids: []string{"a1"}},
		},
	})
	results := response.Tasks
	assert.Equal(t, len(results), 8)
	assert.Equal(t, results[0].IsError(), false)

	assert.Equal(t, results[1].Type, CommandError)
	assert.Equal(t, results[1].Message, "Hub has no EventDispatcher configured. 'queueEvents' requires an EventDispatcher")

	assert.Equal(t, results[2].IsError(), false)
	assert.Equal(t, string(results[2].Result), "6")

	assert.Equal(t, results[3].Type, PermissionDenied)
	assert.Equal(t, results[4].Type, CommandError)
	assert.Equal(t, results[4].Message, "failed")
	// a panic fails only its own task
	assert.Equal(t, results[5].Type, UnhandledException)

	assert.Equal(t, results[6].Type, InvalidTask)
	assert.Equal(t, results[6].Message, "no command handler for: 'test.Missing'")

	assert.Equal(t, results[7].IsError(), false)
	assert.Equal(t, len(results[7].Entities), 1)

	stats := hub.Stats().Snapshot()
	assert.Equal(t, stats.Tasks, int64(8))
	assert.Equal(t, stats.TaskErrors, int64(5))
}

func TestHubNoEventDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(ctx, false)
	response := hub.ExecuteRequest(ctx, &SyncRequest{
		Tasks: []*SyncTask{
			{Task: TaskKindSubscribeChanges, Container: "articles", Changes: AllChanges},
			{Task: TaskKindSubscribeMessage, Name: "*"},
		},
	})
	assert.Equal(t, response.Tasks[0].Type, InvalidTask)
	assert.Equal(t, response.Tasks[0].Message, "Invalid task: 'subscribeChanges'. Hub has no EventDispatcher configured")
	assert.Equal(t, response.Tasks[1].Type, InvalidTask)
}

func TestHubMonitorDatabase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(ctx, true)
	response := hub.ExecuteRequest(ctx, &SyncRequest{
		Database: "monitor",
		Tasks: []*SyncTask{
			{Task: TaskKindRead, Container: MonitorHostsContainer, Ids: []string{hub.HostId().String()}},
			{Task: TaskKindQuery, Container: MonitorClientsContainer},
			{Task: TaskKindUpsert, Container: MonitorHostsContainer, Set: rawJson(`{"id":"h1"}`)},
			{Task: TaskKindDelete, Container: MonitorHostsContainer, Ids: []string{"h1"}},
		},
	})
	results := response.Tasks
	assert.Equal(t, results[0].IsError(), false)
	assert.Equal(t, len(results[0].Entities), 1)
	host := &MonitorHost{}
	err := json.Unmarshal(results[0].Entities[0], host)
	assert.Equal(t, err, nil)
	assert.Equal(t, host.Databases, []string{"main", "monitor"})

	assert.Equal(t, results[1].IsError(), false)

	assert.Equal(t, results[2].Type, InvalidTask)
	assert.Equal(t, results[2].Message, "Invalid task: 'upsert'. Not supported by database: 'monitor'")
	assert.Equal(t, results[3].Type, InvalidTask)
	assert.Equal(t, results[3].Message, "Invalid task: 'delete'. Not supported by database: 'monitor'")
}

func TestHubEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(ctx, true)
	defer hub.Close()

	response := hub.ExecuteRequest(ctx, &SyncRequest{
		Tasks: []*SyncTask{
			{Task: TaskKindSubscribeChanges, Container: "articles", Changes: []ChangeKind{ChangeUpsert}},
			{Task: TaskKindSubscribeMessage, Name: "chat.*"},
		},
	})
	subscriberId := response.ClientId
	assert.NotEqual(t, subscriberId, "")
	assert.Equal(t, response.Tasks[0].Count, 1)
	assert.Equal(t, response.Tasks[1].Count, 2)

	writerResponse := hub.ExecuteRequest(ctx, &SyncRequest{
		Tasks: []*SyncTask{
			{Task: TaskKindUpsert, Container: "articles", Set: rawJson(`{"id":"a1"}`, `{"id":"a2"}`)},
			// not subscribed
			{Task: TaskKindCreate, Container: "articles", Set: rawJson(`{"id":"a3"}`)},
			{Task: TaskKindUpsert, Container: "users", Set: rawJson(`{"id":"u1"}`)},
			{Task: TaskKindMessage, Name: "chat.room1", Param: json.RawMessage(`"hello"`)},
			{Task: TaskKindMessage, Name: "news"},
		},
	})
	for _, result := range writerResponse.Tasks {
		assert.Equal(t, result.IsError(), false)
	}

	// one event per batch
	events := hub.pendingEvents(subscriberId, nil)
	assert.Equal(t, len(events), 1)
	event := events[0]
	assert.Equal(t, event.Seq, int64(1))
	assert.Equal(t, event.ClientId, subscriberId)
	assert.Equal(t, event.IsOrigin, false)
	assert.Equal(t, event.Database, "main")
	assert.Equal(t, len(event.Changes), 1)
	assert.Equal(t, event.Changes[0].Container, "articles")
	assert.Equal(t, event.Changes[0].Counts().String(), "creates: 0, upserts: 2, deletes: 0, merges: 0")
	assert.Equal(t, len(event.Messages), 1)
	assert.Equal(t, event.Messages[0].Name, "chat.room1")
	assert.Equal(t, string(event.Messages[0].Param), `"hello"`)

	// an own write is an origin event
	ack := int64(1)
	hub.ExecuteRequest(ctx, &SyncRequest{
		ClientId: subscriberId,
		Ack:      &ack,
		Tasks: []*SyncTask{
			{Task: TaskKindUpsert, Container: "articles", Set: rawJson(`{"id":"a4"}`)},
		},
	})
	events = hub.pendingEvents(subscriberId, nil)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Seq, int64(2))
	assert.Equal(t, events[0].IsOrigin, true)
	assert.Equal(t, events[0].SourceId, subscriberId)

	// removing all subscriptions clears the queue
	response = hub.ExecuteRequest(ctx, &SyncRequest{
		ClientId: subscriberId,
		Tasks: []*SyncTask{
			{Task: TaskKindSubscribeChanges, Container: "articles", Changes: []ChangeKind{}},
			{Task: TaskKindSubscribeMessage, Name: "*", Remove: true},
		},
	})
	assert.Equal(t, response.Tasks[1].Count, 0)
	assert.Equal(t, len(hub.pendingEvents(subscriberId, nil)), 0)
}

func TestHubEventFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(ctx, true)
	defer hub.Close()

	response := hub.ExecuteRequest(ctx, &SyncRequest{
		Tasks: []*SyncTask{
			{Task: TaskKindSubscribeChanges, Container: "articles", Changes: AllChanges, Filter: "likes>10"},
		},
	})
	subscriberId := response.ClientId

	hub.ExecuteRequest(ctx, &SyncRequest{
		Tasks: []*SyncTask{
			{Task: TaskKindUpsert, Container: "articles", Set: rawJson(`{"id":"a1","likes":1}`)},
		},
	})
	assert.Equal(t, len(hub.pendingEvents(subscriberId, nil)), 0)

	hub.ExecuteRequest(ctx, &SyncRequest{
		Tasks: []*SyncTask{
			{Task: TaskKindUpsert, Container: "articles", Set: rawJson(`{"id":"a1","likes":11}`, `{"id":"a2","likes":2}`)},
			// deletes carry keys only and are not filtered
			{Task: TaskKindDelete, Container: "articles", Ids: []string{"a2"}},
		},
	})
	events := hub.pendingEvents(subscriberId, nil)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Changes[0].Counts().String(), "creates: 0, upserts: 1, deletes: 1, merges: 0")
}

func TestHubWriteMissingContainer(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()

	hub := newTestHub(ctx, true)
	defer hub.Close()

	response := hub.ExecuteRequest(ctx, &SyncRequest{
		Tasks: []*SyncTask{
			{Task: TaskKindUpsert, Set: rawJson(`{"id":"a1"}`)},
			{Task: TaskKindDelete, Ids: []string{"a1"}},
			{Task: TaskKindRead, Container: "articles", Ids: []string{"a1"}},
		},
	})
	assert.Equal(t, response.Tasks[0].Type, InvalidTask)
	assert.Equal(t, response.Tasks[0].Message, "Invalid task: 'upsert'. missing 'cont'")
	assert.Equal(t, response.Tasks[1].Message, "Invalid task: 'delete'. missing 'cont'")
	assert.Equal(t, response.Tasks[2].IsError(), false)
	assert.Equal(t, response.Tasks[2].NotFound, []string{"a1"})
}
