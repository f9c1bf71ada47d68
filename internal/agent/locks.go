package agent

import "sync"

// chatLocks serializes replies within a chat while leaving other chats free.
type chatLocks struct {
	locks sync.Map // chat ID -> *sync.Mutex
}

// Lock acquires the chat's mutex and returns its unlock function.
func (l *chatLocks) Lock(chatID string) func() {
	v, _ := l.locks.LoadOrStore(chatID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
