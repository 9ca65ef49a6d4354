package collab

import (
	"sync"
)

// makes a copy of the list on update, so that `get` never races a mutation.
// callbacks are identified by the sub returned from `add`.
type CallbackList[T any] struct {
	mutex      sync.Mutex
	nextSubId  int
	subIds     []int
	callbacks  map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		subIds:    []int{},
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.subIds))
	for _, subId := range self.subIds {
		callbacks = append(callbacks, self.callbacks[subId])
	}
	return callbacks
}

// returns a sub function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subId := self.nextSubId
	self.nextSubId += 1
	self.subIds = append(self.subIds, subId)
	self.callbacks[subId] = callback

	return func() {
		self.remove(subId)
	}
}

func (self *CallbackList[T]) remove(subId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, existingSubId := range self.subIds {
		if subId == existingSubId {
			self.subIds = append(self.subIds[:i], self.subIds[i+1:]...)
			break
		}
	}
	delete(self.callbacks, subId)
}
