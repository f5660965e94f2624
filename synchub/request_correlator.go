package synchub

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"
)

// a sent batch waiting for its response
type pendingBatch struct {
	requestId int64
	client    *Client
	request   *SyncRequest
	tasks     []*Task
	handle    *SyncHandle

	queueTime time.Time
	timer     *time.Timer

	// set by the first of response, timeout or failure. Only that source resolves the tasks.
	claimed atomic.Bool
}

func (self *pendingBatch) claim() bool {
	return self.claimed.CompareAndSwap(false, true)
}

// RequestCorrelator allocates request ids and matches responses to their batches.
// Responses are attributed by id and may arrive in any order.
type RequestCorrelator struct {
	mutex         sync.Mutex
	nextRequestId int64
	pending       map[int64]*pendingBatch
}

func NewRequestCorrelator() *RequestCorrelator {
	return &RequestCorrelator{
		nextRequestId: 1,
		pending:       map[int64]*pendingBatch{},
	}
}

// allocates the next request id and tracks the batch under it
func (self *RequestCorrelator) add(batch *pendingBatch) int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	requestId := self.nextRequestId
	self.nextRequestId += 1
	batch.requestId = requestId
	batch.request.RequestId = requestId
	self.pending[requestId] = batch
	return requestId
}

func (self *RequestCorrelator) has(requestId int64) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.pending[requestId]
	return ok
}

// returns false for unknown or duplicate responses
func (self *RequestCorrelator) remove(requestId int64) (*pendingBatch, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	batch, ok := self.pending[requestId]
	if ok {
		delete(self.pending, requestId)
	}
	return batch, ok
}

// removes every pending batch, in request id order
func (self *RequestCorrelator) removeAll() []*pendingBatch {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	batches := maps.Values(self.pending)
	sort.Slice(batches, func(i int, j int) bool {
		return batches[i].requestId < batches[j].requestId
	})
	self.pending = map[int64]*pendingBatch{}
	return batches
}

func (self *RequestCorrelator) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending)
}
