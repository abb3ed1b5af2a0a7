package kernel

// Intrusive singly-linked task lists. The link fields live inside Task: one
// for the scheduler queue the task sits in (ready or sleep), one for a sync
// object's waiter list. A task can therefore be in at most one list of each
// kind, with no per-link allocation.

type taskLink uint8

const (
	linkSched taskLink = iota
	linkSync
)

func (l taskLink) next(t *Task) **Task {
	if l == linkSched {
		return &t.nextSched
	}
	return &t.nextSync
}

// priorPreceding orders ready and waiter lists: highest priority first,
// equal priorities FIFO (a new entrant goes after its equals).
func priorPreceding(a, b *Task) bool {
	return a.priority > b.priority
}

// wakeupPreceding orders the sleep list by remaining ticks. The "<=" puts a
// new sleeper in front of entries with the same deadline, so ties fire in
// reverse arrival order within one tick.
func wakeupPreceding(a, b *Task) bool {
	return a.dreamTicks <= b.dreamTicks
}

type taskList struct {
	head   *Task
	link   taskLink
	before func(a, b *Task) bool
}

func newTaskList(link taskLink, before func(a, b *Task) bool) taskList {
	return taskList{link: link, before: before}
}

// insert walks the list until the comparator says the new element precedes
// the next one. O(n).
func (l *taskList) insert(t *Task) {
	pos := &l.head
	for *pos != nil && !l.before(t, *pos) {
		pos = l.link.next(*pos)
	}
	*l.link.next(t) = *pos
	*pos = t
}

// fetch pops the front element. O(1).
func (l *taskList) fetch() *Task {
	t := l.head
	if t == nil {
		return nil
	}
	next := l.link.next(t)
	l.head = *next
	*next = nil
	return t
}

// remove unlinks t by scan. It reports whether t was found; the cleared link
// traps reuse after removal.
func (l *taskList) remove(t *Task) bool {
	pos := &l.head
	for *pos != nil {
		if *pos == t {
			next := l.link.next(t)
			*pos = *next
			*next = nil
			return true
		}
		pos = l.link.next(*pos)
	}
	return false
}

func (l *taskList) first() *Task { return l.head }

func (l *taskList) contains(t *Task) bool {
	for p := l.head; p != nil; p = *l.link.next(p) {
		if p == t {
			return true
		}
	}
	return false
}

func (l *taskList) qty() int {
	n := 0
	for p := l.head; p != nil; p = *l.link.next(p) {
		n++
	}
	return n
}

// tick decrements the remaining-ticks counter of every sleeper, skipping
// indefinite ones. Callers then fetch from the front while it reads zero.
func (l *taskList) tick() {
	for p := l.head; p != nil; p = *l.link.next(p) {
		if p.dreamTicks != dreamInfinite {
			p.dreamTicks--
		}
	}
}

// dreamInfinite marks a task blocked without a timeout.
const dreamInfinite = ^uint32(0)

// ownedList is the intrusive list of mutexes a task currently owns, threaded
// through Mutex.nextOwned, most recently acquired first.
type ownedList struct {
	head *Mutex
}

func (l *ownedList) push(m *Mutex) {
	m.nextOwned = l.head
	l.head = m
}

func (l *ownedList) remove(m *Mutex) bool {
	pos := &l.head
	for *pos != nil {
		if *pos == m {
			*pos = m.nextOwned
			m.nextOwned = nil
			return true
		}
		pos = &(*pos).nextOwned
	}
	return false
}

func (l *ownedList) contains(m *Mutex) bool {
	for p := l.head; p != nil; p = p.nextOwned {
		if p == m {
			return true
		}
	}
	return false
}
