package statebridge

import "sync"

type listener struct {
	id uint64
	f  func()
}

type listeners struct {
	lock sync.Mutex
	list []listener
	next uint64
}

func (ls *listeners) add(f func()) (remove func()) {
	ls.lock.Lock()
	ls.next++
	id := ls.next
	ls.list = append(ls.list, listener{id: id, f: f})
	ls.lock.Unlock()

	return func() {
		ls.lock.Lock()
		defer ls.lock.Unlock()
		for i, l := range ls.list {
			if l.id == id {
				ls.list = append(ls.list[:i:i], ls.list[i+1:]...)
				return
			}
		}
	}
}

func (ls *listeners) notify() {
	ls.lock.Lock()
	list := ls.list
	ls.lock.Unlock()
	for _, l := range list {
		l.f()
	}
}
