package notification

import (
	"log"
	"sync"
	"sync/atomic"
)

// defaultSubscriberBufferSize は購読者ごとのチャネルのバッファサイズ。
const defaultSubscriberBufferSize = 32

// Hub は保存された通知を宛先ユーザーの購読者に配信する。
// 購読者のバッファが一杯の場合、その購読者への配信は破棄し、送信側をブロックしない。
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan Notification
	nextID      uint64
	closed      bool
	bufferSize  int
	dropped     atomic.Int64
}

// NewHub は新しいHubを生成する。bufferSizeが0以下の場合はデフォルト値を使う。
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBufferSize
	}
	return &Hub{
		subscribers: make(map[string]map[uint64]chan Notification),
		bufferSize:  bufferSize,
	}
}

// Subscribe はユーザー宛ての通知を受け取るチャネルと解除関数を返す。
// 解除関数を呼ぶとチャネルは閉じられる。解除関数は何度呼んでもよい。
func (h *Hub) Subscribe(userID string) (<-chan Notification, func()) {
	ch := make(chan Notification, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	subs, ok := h.subscribers[userID]
	if !ok {
		subs = make(map[uint64]chan Notification)
		h.subscribers[userID] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.remove(userID, id)
		})
	}
}

func (h *Hub) remove(userID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[userID]
	if !ok {
		return
	}
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.subscribers, userID)
	}
	close(ch)
}

// Publish は通知を宛先ユーザーのすべての購読者に配信する。
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers[n.UserID] {
		select {
		case ch <- n:
		default:
			h.dropped.Add(1)
			log.Printf("[Hub] 購読者 %d のバッファが一杯のため通知 %s を破棄しました", id, n.ID)
		}
	}
}

// SubscriberCount はユーザーの購読者数を返す。
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}

// Dropped は破棄した通知の累計数を返す。
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close はすべての購読を終了する。以降のSubscribeは閉じたチャネルを返す。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for userID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, userID)
	}
}
