package synchub

import (
	"errors"
	"fmt"
	"strings"
)

var ErrTaskAlreadyExecuted = errors.New("task already executed")
var ErrTaskNotSynced = errors.New("task not synced. SyncTasks() not executed or not awaited")
var ErrChannelClosed = errors.New("channel closed")
var ErrConnectionLost = errors.New("connection lost")
var ErrRequestTimeout = errors.New("request timeout")
var ErrProtocol = errors.New("protocol error")

type TaskError struct {
	Kind    TaskErrorKind
	Message string
}

func NewTaskError(kind TaskErrorKind, message string) *TaskError {
	return &TaskError{
		Kind:    kind,
		Message: message,
	}
}

func (self *TaskError) Error() string {
	return fmt.Sprintf("%s ~ %s", self.Kind, self.Message)
}

// strict sync failure. `Error` carries the message of the first failed task.
type SyncTasksError struct {
	Failed []*Task
}

func (self *SyncTasksError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SyncTasks() failed with task errors. count: %d", len(self.Failed))
	for _, task := range self.Failed {
		fmt.Fprintf(&b, "\n|- %s # %s", task, task.Err())
	}
	return b.String()
}

func (self *SyncTasksError) First() *TaskError {
	if len(self.Failed) == 0 {
		return nil
	}
	return self.Failed[0].Err()
}
