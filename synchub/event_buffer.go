package synchub

import (
	"fmt"
	"sort"
	"time"
)

// use this type when counting bytes
type ByteCount = int64

type eventItem struct {
	sequenceNumber int64
	message        []byte
	event          *EventMessage
	enqueueTime    time.Time
}

func (self *eventItem) SequenceNumber() int64 {
	return self.sequenceNumber
}

func (self *eventItem) MessageByteCount() ByteCount {
	return ByteCount(len(self.message))
}

// ordered by sequenceNumber, strictly increasing
// not safe for concurrent use. The owner serializes access.
type eventBuffer struct {
	orderedItems []*eventItem
	byteCount    ByteCount
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{
		orderedItems: []*eventItem{},
	}
}

func (self *eventBuffer) QueueSize() (int, ByteCount) {
	return len(self.orderedItems), self.byteCount
}

func (self *eventBuffer) Add(item *eventItem) error {
	if last := self.PeekLast(); last != nil && item.sequenceNumber <= last.sequenceNumber {
		return fmt.Errorf("Event sequence must increase: %d <= %d", item.sequenceNumber, last.sequenceNumber)
	}
	self.orderedItems = append(self.orderedItems, item)
	self.byteCount += item.MessageByteCount()
	return nil
}

func (self *eventBuffer) PeekFirst() *eventItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *eventBuffer) PeekLast() *eventItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[len(self.orderedItems)-1]
}

// index of the first item with sequence number greater than `sequenceNumber`
func (self *eventBuffer) indexAfter(sequenceNumber int64) int {
	return sort.Search(len(self.orderedItems), func(i int) bool {
		return sequenceNumber < self.orderedItems[i].sequenceNumber
	})
}

// removes all items with sequence number less than or equal to `sequenceNumber`
func (self *eventBuffer) RemoveThrough(sequenceNumber int64) int {
	i := self.indexAfter(sequenceNumber)
	for _, item := range self.orderedItems[:i] {
		self.byteCount -= item.MessageByteCount()
	}
	self.orderedItems = self.orderedItems[i:]
	return i
}

// the first item with sequence number greater than `sequenceNumber`, or nil
func (self *eventBuffer) Next(sequenceNumber int64) *eventItem {
	i := self.indexAfter(sequenceNumber)
	if i < len(self.orderedItems) {
		return self.orderedItems[i]
	}
	return nil
}

// all items with sequence number greater than `sequenceNumber`, in order
func (self *eventBuffer) Tail(sequenceNumber int64) []*eventItem {
	i := self.indexAfter(sequenceNumber)
	tail := make([]*eventItem, len(self.orderedItems)-i)
	copy(tail, self.orderedItems[i:])
	return tail
}

func (self *eventBuffer) Clear() {
	self.orderedItems = []*eventItem{}
	self.byteCount = 0
}
