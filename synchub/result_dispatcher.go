package synchub

import (
	"fmt"

	"github.com/golang/glog"
)

// resolves the tasks of a batch from its response.
// Order: task results (cache first, then the task handle), task callbacks, batch callbacks,
// then events piggybacked on the response.
func dispatchResponse(batch *pendingBatch, response *SyncResponse) {
	client := batch.client
	if response.ClientId != "" {
		client.setClientId(response.ClientId)
	}
	if !batch.claim() {
		// the batch timed out. The tasks keep their timeout error.
		glog.V(1).Infof("[rd]req=%d late response\n", batch.requestId)
		client.applyLateResponse(batch, response)
		return
	}

	var resolved []*Task
	switch {
	case response.Msg == MessageTypeError:
		message := response.Message
		if message == "" {
			message = "sync failed"
		}
		glog.Infof("[rd]req=%d error response = %s\n", batch.requestId, message)
		resolved = failTasks(batch.tasks, NewTaskError(SyncError, message))
	case len(response.Tasks) != len(batch.tasks):
		glog.Infof("[rd]req=%d result count mismatch. tasks: %d, results: %d\n", batch.requestId, len(batch.tasks), len(response.Tasks))
		resolved = failTasks(batch.tasks, NewTaskError(SyncError, fmt.Sprintf(
			"%s. expected %d task results, received %d",
			ErrProtocol,
			len(batch.tasks),
			len(response.Tasks),
		)))
	default:
		for i, task := range batch.tasks {
			result := response.Tasks[i]
			var taskErr *TaskError
			switch {
			case result == nil:
				taskErr = NewTaskError(SyncError, fmt.Sprintf("%s. missing task result %d", ErrProtocol, i))
			case result.IsError():
				taskErr = NewTaskError(result.Type, result.Message)
			default:
				client.updateCache(batch.request, task, result)
			}
			if task.resolve(result, taskErr) {
				resolved = append(resolved, task)
			}
		}
	}

	completeTasks(resolved)
	batch.handle.resolve()

	for _, event := range response.Events {
		client.channel.routeEvent(event)
	}
}

// returns the tasks resolved by this call
func failTasks(tasks []*Task, taskErr *TaskError) []*Task {
	resolved := []*Task{}
	for _, task := range tasks {
		if task.resolve(nil, taskErr) {
			resolved = append(resolved, task)
		}
	}
	return resolved
}

func completeTasks(tasks []*Task) {
	for _, task := range tasks {
		task.complete()
		for _, relation := range task.relations {
			relation.complete()
		}
	}
}

func failBatch(batch *pendingBatch, taskErr *TaskError) {
	if batch.timer != nil {
		batch.timer.Stop()
	}
	if !batch.claim() {
		return
	}
	completeTasks(failTasks(batch.tasks, taskErr))
	batch.handle.resolve()
}

// a response that arrived after the timeout still updates the cache and delivers its events
func (self *Client) applyLateResponse(batch *pendingBatch, response *SyncResponse) {
	if response.Msg != MessageTypeError && len(response.Tasks) == len(batch.tasks) {
		for i, task := range batch.tasks {
			if result := response.Tasks[i]; result != nil && !result.IsError() {
				self.updateCache(batch.request, task, result)
			}
		}
	}
	for _, event := range response.Events {
		self.channel.routeEvent(event)
	}
}

func (self *Client) updateCache(request *SyncRequest, task *Task, result *SyncTaskResult) {
	syncTask := task.syncTask
	switch syncTask.Task {
	case TaskKindRead:
		self.cache.Set(syncTask.Container, result.Entities...)
		self.cache.Delete(syncTask.Container, result.NotFound...)
		for i, relation := range result.Relations {
			container := relation.Container
			if container == "" && i < len(syncTask.Relations) {
				container = syncTask.Relations[i].Container
			}
			self.cache.Set(container, relation.Entities...)
		}
	case TaskKindQuery:
		self.cache.Set(syncTask.Container, result.Entities...)
	case TaskKindCreate, TaskKindUpsert:
		self.cache.Set(syncTask.Container, syncTask.Set...)
	case TaskKindMerge:
		self.cache.Merge(syncTask.Container, syncTask.Patches...)
	case TaskKindDelete:
		self.cache.Delete(syncTask.Container, syncTask.Ids...)
	case TaskKindSubscribeChanges, TaskKindSubscribeMessage:
		// the hub reports the remaining subscriptions of the client
		self.setSubscriptionCount(result.Count)
		self.setResendBase(request.Ack, result.Seq)
	}
}
