package feed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nao1215/clubhub/pkg/session"
)

// DefaultWindow は通知を表示し続けるデフォルトの時間。
const DefaultWindow = 5 * time.Second

// errorQueueSize はエラーハンドラへ渡す前に保持できるエラーの数。
const errorQueueSize = 16

// State はコントローラの購読状態。
type State int

const (
	// StateUnsubscribed は購読していない状態。
	StateUnsubscribed State = iota
	// StateSubscribed はイベントソースを購読中の状態。
	StateSubscribed
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// entry は表示中リストの内部表現。seqで同じIDの通知を区別する。
type entry struct {
	seq          uint64
	notification Notification
}

// Controller はイベントソースの通知を期限付きの表示中リストに投影する。
type Controller struct {
	// source は購読するイベントソース。
	source Source
	// topic は購読するトピック名。セッションから決まる。
	topic string
	// window は通知を表示し続ける時間。
	window time.Duration
	// clock はタイマーと到着時刻に使用する時計。
	clock clock.Clock
	// onError は購読確立後のエラーの通知先。専用のゴルーチンで呼ばれる。
	onError func(error)
	// errs はonErrorへ渡すエラーの待ち行列。
	errs chan error
	// errLoop はエラー配信のゴルーチンを1回だけ起動する。
	errLoop sync.Once

	// startMu はStartを直列化する。イベントソースの呼び出し中はmuを保持しない。
	startMu sync.Mutex

	// mu は以下のフィールドを保護する。
	mu sync.Mutex
	// state は外部に公開する購読状態。
	state State
	// accepting は通知を受け付けるかどうか。購読確立中からStopまでtrue。
	accepting bool
	// stopped はStopが呼ばれたかどうか。
	stopped bool
	// closed はイベントソースが自ら配信を終えたかどうか。
	closed bool
	// closeErr はイベントソースが配信を終えた原因。
	closeErr error
	// done は購読が終わったときに閉じられる。
	done chan struct{}
	// sub は確立済みの購読。
	sub Subscription
	// dispose はStartが返す解放関数。
	dispose func()
	// entries は到着順の表示中リスト。
	entries []entry
	// timers は表示期限のタイマー。キーはentry.seq。
	timers map[uint64]*clock.Timer
	// nextSeq は次に採番するseq。
	nextSeq uint64

	// updates は表示中リストの変更を知らせるチャネル。連続した変更は1つにまとめられる。
	updates chan struct{}
}

// Option はControllerの設定を変更する関数。
type Option func(*Controller)

// WithWindow は通知の表示時間を設定する。0以下の値は無視する。
func WithWindow(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithClock はタイマーに使用する時計を設定する。テストではclock.NewMock()を渡す。
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithErrorHandler は購読確立後に発生したエラーの通知先を設定する。
func WithErrorHandler(fn func(error)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.onError = fn
		}
	}
}

// New は新しいControllerを生成する。
// 購読するトピックはセッションのメンバーから決まる。
func New(src Source, sess session.Session, opts ...Option) *Controller {
	c := &Controller{
		source: src,
		topic:  sess.Topic(),
		window: DefaultWindow,
		clock:  clock.New(),
		onError: func(err error) {
			log.Printf("[Feed] イベントソースでエラーが発生: %v", err)
		},
		errs:    make(chan error, errorQueueSize),
		timers:  make(map[uint64]*clock.Timer),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Topic は購読するトピック名を返す。
func (c *Controller) Topic() string {
	return c.topic
}

// Window は通知の表示時間を返す。
func (c *Controller) Window() time.Duration {
	return c.window
}

// Start はイベントソースの購読を確立し、解放関数を返す。
// 購読中に再度呼ばれた場合は新たに購読せず、同じ解放関数を返す。
// 確立に失敗した場合は *SubscriptionError を返し、状態はUnsubscribedのまま。
// イベントソースが配信を終えた後は ErrSourceClosed を返す。
// ctx は購読の確立にのみ使用する。
func (c *Controller) Start(ctx context.Context) (func(), error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if err := c.terminatedErrLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.state == StateSubscribed {
		dispose := c.dispose
		c.mu.Unlock()
		return dispose, nil
	}
	c.accepting = true
	c.mu.Unlock()

	sub, err := c.source.Subscribe(ctx, c.topic, Handler{
		OnEvent:  c.OnEvent,
		OnError:  c.reportError,
		OnClosed: c.sourceClosed,
	})

	c.mu.Lock()
	if err != nil {
		c.accepting = false
		changed := c.discardLocked()
		c.mu.Unlock()
		if changed {
			c.notify()
		}
		return nil, &SubscriptionError{Topic: c.topic, Err: err}
	}
	if err := c.terminatedErrLocked(); err != nil {
		// 購読確立中にStopされた、またはイベントソースが配信を終えた
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil, err
	}
	c.sub = sub
	c.state = StateSubscribed
	c.dispose = c.Stop
	c.mu.Unlock()

	c.errLoop.Do(func() { go c.dispatchErrors() })

	log.Printf("[Feed] トピック %s の購読を開始しました", c.topic)
	return c.dispose, nil
}

// OnEvent は通知を表示中リストの末尾に追加し、表示時間後に取り除くタイマーを設定する。
// 同じIDの通知が既にあっても重複排除はせず、それぞれ独立に期限切れになる。
// 購読中でない場合は何もしない。
func (c *Controller) OnEvent(n Notification) {
	c.mu.Lock()
	if !c.accepting {
		c.mu.Unlock()
		return
	}

	n.ReceivedAt = c.clock.Now()
	seq := c.nextSeq
	c.nextSeq++
	c.entries = append(c.entries, entry{seq: seq, notification: n})
	c.timers[seq] = c.clock.AfterFunc(c.window, func() {
		c.expireSeq(seq)
	})
	c.mu.Unlock()

	c.notify()
}

// Expire は指定IDに一致する最初の通知を表示中リストから取り除く。
// 一致する通知が無い場合は何もしない。
func (c *Controller) Expire(id string) {
	c.mu.Lock()
	removed := false
	for i, e := range c.entries {
		if e.notification.ID != id {
			continue
		}
		c.removeAtLocked(i)
		removed = true
		break
	}
	c.mu.Unlock()

	if removed {
		c.notify()
	}
}

// expireSeq はタイマーから呼ばれ、対応する通知を取り除く。
func (c *Controller) expireSeq(seq uint64) {
	c.mu.Lock()
	if _, ok := c.timers[seq]; !ok {
		// Expire済みまたはStop済み
		c.mu.Unlock()
		return
	}
	delete(c.timers, seq)

	removed := false
	for i, e := range c.entries {
		if e.seq == seq {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			removed = true
			break
		}
	}
	c.mu.Unlock()

	if removed {
		c.notify()
	}
}

// removeAtLocked はi番目の通知を取り除き、そのタイマーを止める。
func (c *Controller) removeAtLocked(i int) {
	seq := c.entries[i].seq
	if t, ok := c.timers[seq]; ok {
		t.Stop()
		delete(c.timers, seq)
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
}

// discardLocked はすべてのタイマーを止め、表示中リストを破棄する。
// リストが空でなかった場合はtrueを返す。
func (c *Controller) discardLocked() bool {
	for seq, t := range c.timers {
		t.Stop()
		delete(c.timers, seq)
	}
	changed := len(c.entries) > 0
	c.entries = nil
	return changed
}

// terminatedErrLocked は再開できない状態であればその理由を返す。
func (c *Controller) terminatedErrLocked() error {
	switch {
	case c.stopped:
		return ErrStopped
	case c.closed:
		return c.closeErrLocked()
	default:
		return nil
	}
}

// closeErrLocked はイベントソースが配信を終えた原因を ErrSourceClosed で包んで返す。
func (c *Controller) closeErrLocked() error {
	if c.closeErr == nil {
		return ErrSourceClosed
	}
	return fmt.Errorf("%w: %w", ErrSourceClosed, c.closeErr)
}

// sourceClosed はイベントソースが自ら配信を終えたときに呼ばれる。
// 状態をUnsubscribedにして表示中の通知を破棄する。購読の解放はStopで行う。
func (c *Controller) sourceClosed(cause error) {
	c.mu.Lock()
	if c.stopped || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	c.accepting = false
	c.state = StateUnsubscribed
	changed := c.discardLocked()
	close(c.done)
	c.mu.Unlock()

	log.Printf("[Feed] トピック %s のイベントソースが配信を終了しました: %v", c.topic, cause)
	if changed {
		c.notify()
	}
}

// Stop は購読を解放し、表示中の通知を破棄する。
// 何度呼んでも購読の解放は1回だけ行われる。購読の解放が完了してから戻る。
// エラーハンドラの中から呼んでもよい。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if !c.closed {
		close(c.done)
	}
	c.accepting = false
	c.state = StateUnsubscribed
	sub := c.sub
	c.sub = nil
	changed := c.discardLocked()
	c.mu.Unlock()

	// ハンドラがmuを待っている可能性があるため、ロックの外で解放する
	if sub != nil {
		sub.Unsubscribe()
		log.Printf("[Feed] トピック %s の購読を解放しました", c.topic)
	}
	if changed {
		c.notify()
	}
}

// Visible は表示中の通知を到着順で返す。返したスライスは呼び出し側が自由に扱ってよい。
func (c *Controller) Visible() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Notification, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.notification
	}
	return out
}

// State は現在の購読状態を返す。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Updates は表示中リストが変わったときに値を受け取るチャネルを返す。
// 受信後に Visible を呼んで最新のリストを取得する。
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// notify は変更を通知する。未読の通知が残っている場合は何もしない。
func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Done は購読が終わったときに閉じられるチャネルを返す。
// Stopが呼ばれたとき、またはイベントソースが配信を終えたときに閉じられる。
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err はイベントソースが配信を終えた場合にその原因を返す。それ以外はnil。
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.closeErrLocked()
}

// reportError はイベントソースのエラーを待ち行列に入れる。
// イベントソースのゴルーチンをブロックしないため、待ち行列が一杯の場合は破棄する。
func (c *Controller) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.errs <- err:
	default:
		log.Printf("[Feed] エラーの待ち行列が一杯のため破棄しました: %v", err)
	}
}

// dispatchErrors は購読が終わるまでエラーを順にエラーハンドラへ渡す。
// イベントソースが配信を終えた場合は、それまでに報告されたエラーを渡してから終わる。
func (c *Controller) dispatchErrors() {
	for {
		select {
		case err := <-c.errs:
			if c.isStopped() {
				return
			}
			c.onError(err)
		case <-c.done:
			for {
				select {
				case err := <-c.errs:
					if c.isStopped() {
						return
					}
					c.onError(err)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
