package synchub

import (
	"context"
	"encoding/json"
	"errors"
)

// returned by a database for task kinds it cannot execute
var ErrTaskNotSupported = errors.New("task not supported")

type QueryResult struct {
	Entities []json.RawMessage
	// continues the query. Empty when all entities were returned.
	Cursor string
}

type WriteResult struct {
	// the written entities, or patched entities for merges
	Entities []json.RawMessage
	Keys     []string
	Errors   []*EntityError
}

// Database is the storage collaborator of a hub.
// Implementations lock per container: one writer or many readers.
type Database interface {
	Name() string
	// the entity field holding the key
	KeyName() string

	Read(ctx context.Context, container string, ids []string) (entities []json.RawMessage, notFound []string, err error)
	Query(ctx context.Context, container string, filter string, limit int, cursor string) (*QueryResult, error)
	Create(ctx context.Context, container string, entities []json.RawMessage) (*WriteResult, error)
	Upsert(ctx context.Context, container string, entities []json.RawMessage) (*WriteResult, error)
	Merge(ctx context.Context, container string, patches []json.RawMessage) (*WriteResult, error)
	Delete(ctx context.Context, container string, ids []string) (*WriteResult, error)
	// no cursors closes all cursors of the container. Returns the number of open cursors.
	CloseCursors(ctx context.Context, container string, cursors []string) (int, error)
}
