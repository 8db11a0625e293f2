package queue

import "sync"

const subscriberBuffer = 16

// Update describes one status change of a queue item.
type Update struct {
	ItemID string
	Chain  string
	From   string
	To     string
	TxHash string
	Error  string
}

// Notifier fans out item updates to per-item subscribers.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Update
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]map[int]chan Update)}
}

// Subscribe returns the updates of itemID and a cancel func releasing the channel.
func (n *Notifier) Subscribe(itemID string) (<-chan Update, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Update, subscriberBuffer)
	if n.subs[itemID] == nil {
		n.subs[itemID] = make(map[int]chan Update)
	}
	n.subs[itemID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if subs, ok := n.subs[itemID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(n.subs, itemID)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers u without blocking. Slow subscribers miss intermediate
// updates; a terminal update evicts the oldest buffered one instead.
func (n *Notifier) Publish(u Update) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[u.ItemID] {
		select {
		case ch <- u:
			continue
		default:
		}
		if !IsTerminal(u.To) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}
