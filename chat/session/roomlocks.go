package session

import "sync"

// roomLocks hands out one mutex per room name. Entries are reference counted
// and dropped once nobody holds or waits for them.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[string]*roomLock)}
}

// Lock blocks until room is free and returns the matching unlock func.
func (l *roomLocks) Lock(room string) func() {
	l.mu.Lock()
	rl, ok := l.rooms[room]
	if !ok {
		rl = &roomLock{}
		l.rooms[room] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.rooms, room)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
