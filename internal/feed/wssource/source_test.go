package wssource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/nao1215/clubhub/internal/feed"
	"github.com/nao1215/clubhub/pkg/session"
)

// recorder はハンドラの呼び出しを記録する。
type recorder struct {
	mu     sync.Mutex
	events []feed.Notification
	errs   []error
	closed []error
}

func (r *recorder) handler() feed.Handler {
	return feed.Handler{
		OnEvent: func(n feed.Notification) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, n)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnClosed: func(cause error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed = append(r.closed, cause)
		},
	}
}

func (r *recorder) closedCauses() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.closed...)
}

func (r *recorder) eventIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, n := range r.events {
		out[i] = n.ID
	}
	return out
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// waitFor は条件が満たされるまで最大2秒待つ。
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("条件が満たされないままタイムアウトした")
}

// streamServer はテスト用の通知ストリームサーバー。
// 接続ごとにserveが呼ばれる。
func streamServer(t *testing.T, serve func(n int, conn *websocket.Conn)) *httptest.Server {
	t.Helper()

	var (
		mu    sync.Mutex
		count int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != streamPath {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("topic") != "notifications:user-1" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mu.Lock()
		count++
		n := count
		mu.Unlock()
		serve(n, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testSession() session.Session {
	return session.Session{UserID: "user-1", DisplayName: "Alice", Token: "test-token"}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

// waitClose はクライアントが切断するまで読み続ける。
func waitClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSource_Subscribe(t *testing.T) {
	t.Parallel()

	t.Run("受信したメッセージがハンドラに渡されること", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(_ int, conn *websocket.Conn) {
			_ = conn.WriteJSON(frame{ID: "n1", Title: "タスク", Message: "割り当てられました", CreatedAt: time.Now()})
			_ = conn.WriteJSON(frame{ID: "n2", Message: "2件目"})
			waitClose(conn)
		})

		rec := &recorder{}
		src := New(srv.URL, testSession(), WithBackOff(fastBackOff))
		sub, err := src.Subscribe(context.Background(), "notifications:user-1", rec.handler())
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Unsubscribe()

		waitFor(t, func() bool { return len(rec.eventIDs()) == 2 })
		got := rec.eventIDs()
		if got[0] != "n1" || got[1] != "n2" {
			t.Errorf("events = %v, want [n1 n2]", got)
		}

		rec.mu.Lock()
		first := rec.events[0]
		rec.mu.Unlock()
		if first.Title != "タスク" || first.Message != "割り当てられました" {
			t.Errorf("events[0] = %+v", first)
		}
	})

	t.Run("IDの無いメッセージは無視されること", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(_ int, conn *websocket.Conn) {
			_ = conn.WriteJSON(frame{Message: "IDなし"})
			_ = conn.WriteJSON(frame{ID: "n1", Message: "あり"})
			waitClose(conn)
		})

		rec := &recorder{}
		sub, err := New(srv.URL, testSession()).Subscribe(context.Background(), "notifications:user-1", rec.handler())
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Unsubscribe()

		waitFor(t, func() bool { return len(rec.eventIDs()) == 1 })
		if got := rec.eventIDs(); got[0] != "n1" {
			t.Errorf("events = %v, want [n1]", got)
		}
	})

	t.Run("接続が拒否された場合はエラーが返ること", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(_ int, _ *websocket.Conn) {})

		sess := testSession()
		sess.Token = "wrong"
		_, err := New(srv.URL, sess).Subscribe(context.Background(), "notifications:user-1", feed.Handler{})
		if err == nil {
			t.Fatal("エラーが返されるべき")
		}
		var dialErr *DialError
		if !errors.As(err, &dialErr) {
			t.Fatalf("error = %v, want *DialError", err)
		}
		if dialErr.StatusCode != http.StatusUnauthorized || !dialErr.Permanent() {
			t.Errorf("DialError = %+v", dialErr)
		}
	})

	t.Run("他人のトピックは拒否されること", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(_ int, _ *websocket.Conn) {})

		_, err := New(srv.URL, testSession()).Subscribe(context.Background(), "notifications:user-2", feed.Handler{})
		var dialErr *DialError
		if !errors.As(err, &dialErr) || dialErr.StatusCode != http.StatusForbidden {
			t.Errorf("error = %v, want 403 DialError", err)
		}
	})

	t.Run("サーバーに接続できない場合はエラーが返ること", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := New(url, testSession()).Subscribe(context.Background(), "notifications:user-1", feed.Handler{})
		if err == nil {
			t.Error("エラーが返されるべき")
		}
	})

	t.Run("未対応のスキームはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := New("ftp://example.com", testSession()).Subscribe(context.Background(), "notifications:user-1", feed.Handler{})
		if err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}

func TestSource_Reconnect(t *testing.T) {
	t.Parallel()

	t.Run("切断された場合はエラーを通知して再接続すること", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(n int, conn *websocket.Conn) {
			if n == 1 {
				_ = conn.WriteJSON(frame{ID: "before"})
				// サーバー側から切断する
				return
			}
			_ = conn.WriteJSON(frame{ID: "after"})
			waitClose(conn)
		})

		rec := &recorder{}
		sub, err := New(srv.URL, testSession(), WithBackOff(fastBackOff)).
			Subscribe(context.Background(), "notifications:user-1", rec.handler())
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Unsubscribe()

		waitFor(t, func() bool { return len(rec.eventIDs()) == 2 })
		got := rec.eventIDs()
		if got[0] != "before" || got[1] != "after" {
			t.Errorf("events = %v, want [before after]", got)
		}
		if rec.errCount() < 1 {
			t.Error("切断がOnErrorで通知されていない")
		}
	})

	t.Run("再試行を諦めた場合はErrGaveUpが通知されること", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(_ int, _ *websocket.Conn) {})

		rec := &recorder{}
		sub, err := New(srv.URL, testSession(), WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} })).
			Subscribe(context.Background(), "notifications:user-1", rec.handler())
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Unsubscribe()

		waitFor(t, func() bool { return rec.errCount() == 2 })
		rec.mu.Lock()
		last := rec.errs[1]
		rec.mu.Unlock()
		if !errors.Is(last, feed.ErrGaveUp) {
			t.Errorf("最後のエラー = %v, want ErrGaveUp", last)
		}
		waitFor(t, func() bool { return len(rec.closedCauses()) == 1 })
		if cause := rec.closedCauses()[0]; !errors.Is(cause, feed.ErrGaveUp) {
			t.Errorf("OnClosedの原因 = %v, want ErrGaveUp", cause)
		}
	})

	t.Run("再接続が403で拒否された場合はOnClosedで終了が通知されること", func(t *testing.T) {
		t.Parallel()

		srv := revokingServer(t)

		rec := &recorder{}
		sub, err := New(srv.URL, testSession(), WithBackOff(fastBackOff)).
			Subscribe(context.Background(), "notifications:user-1", rec.handler())
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Unsubscribe()

		waitFor(t, func() bool { return len(rec.closedCauses()) == 1 })
		var dialErr *DialError
		if cause := rec.closedCauses()[0]; !errors.As(cause, &dialErr) || dialErr.StatusCode != http.StatusForbidden {
			t.Errorf("OnClosedの原因 = %v, want 403のDialError", cause)
		}
	})
}

// revokingServer は最初の接続をすぐに切断し、以降の接続を403で拒否するストリームサーバー。
func revokingServer(t *testing.T) *httptest.Server {
	t.Helper()

	var (
		mu    sync.Mutex
		count int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n > 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubscription_Unsubscribe(t *testing.T) {
	t.Parallel()

	t.Run("解放後はハンドラが呼ばれないこと", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		srv := streamServer(t, func(_ int, conn *websocket.Conn) {
			_ = conn.WriteJSON(frame{ID: "n1"})
			<-release
			_ = conn.WriteJSON(frame{ID: "n2"})
		})

		rec := &recorder{}
		sub, err := New(srv.URL, testSession(), WithBackOff(fastBackOff)).
			Subscribe(context.Background(), "notifications:user-1", rec.handler())
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		waitFor(t, func() bool { return len(rec.eventIDs()) == 1 })

		sub.Unsubscribe()
		close(release)
		time.Sleep(50 * time.Millisecond)

		if got := rec.eventIDs(); len(got) != 1 {
			t.Errorf("events = %v, want [n1]", got)
		}
		if rec.errCount() != 0 {
			t.Errorf("解放によるエラーが通知された: %v", rec.errs)
		}
	})

	t.Run("複数回呼んでもブロックしないこと", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(_ int, conn *websocket.Conn) {
			waitClose(conn)
		})

		sub, err := New(srv.URL, testSession()).Subscribe(context.Background(), "notifications:user-1", feed.Handler{})
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		done := make(chan struct{})
		go func() {
			sub.Unsubscribe()
			sub.Unsubscribe()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Unsubscribe()が戻らない")
		}
	})
}

func TestSource_WithController(t *testing.T) {
	t.Parallel()

	t.Run("コントローラの表示中リストに通知が追加されること", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(_ int, conn *websocket.Conn) {
			_ = conn.WriteJSON(frame{ID: "n1", Message: "こんにちは"})
			waitClose(conn)
		})

		sess := testSession()
		ctrl := feed.New(New(srv.URL, sess), sess, feed.WithWindow(time.Minute))
		stop, err := ctrl.Start(context.Background())
		if err != nil {
			t.Fatalf("Start()でエラーが発生: %v", err)
		}
		defer stop()

		waitFor(t, func() bool { return len(ctrl.Visible()) == 1 })
		if got := ctrl.Visible()[0]; got.ID != "n1" || got.Message != "こんにちは" {
			t.Errorf("Visible()[0] = %+v", got)
		}
	})

	t.Run("エラーハンドラからStopを呼んでも戻ること", func(t *testing.T) {
		t.Parallel()

		srv := streamServer(t, func(n int, conn *websocket.Conn) {
			if n == 1 {
				return
			}
			waitClose(conn)
		})

		sess := testSession()
		var ctrl *feed.Controller
		stopped := make(chan struct{})
		var once sync.Once
		ctrl = feed.New(New(srv.URL, sess, WithBackOff(fastBackOff)), sess,
			feed.WithErrorHandler(func(error) {
				ctrl.Stop()
				once.Do(func() { close(stopped) })
			}))
		if _, err := ctrl.Start(context.Background()); err != nil {
			t.Fatalf("Start()でエラーが発生: %v", err)
		}

		select {
		case <-stopped:
		case <-time.After(3 * time.Second):
			t.Fatal("エラーハンドラから呼んだStop()が戻らない")
		}
		if ctrl.State() != feed.StateUnsubscribed {
			t.Errorf("State() = %v, want %v", ctrl.State(), feed.StateUnsubscribed)
		}
	})

	t.Run("再接続が拒否されるとコントローラが購読解除になること", func(t *testing.T) {
		t.Parallel()

		srv := revokingServer(t)

		sess := testSession()
		ctrl := feed.New(New(srv.URL, sess, WithBackOff(fastBackOff)), sess)
		stop, err := ctrl.Start(context.Background())
		if err != nil {
			t.Fatalf("Start()でエラーが発生: %v", err)
		}
		defer stop()

		select {
		case <-ctrl.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("Done()が閉じられない")
		}
		if ctrl.State() != feed.StateUnsubscribed {
			t.Errorf("State() = %v, want %v", ctrl.State(), feed.StateUnsubscribed)
		}
		if err := ctrl.Err(); !errors.Is(err, feed.ErrSourceClosed) {
			t.Errorf("Err() = %v, want %v", err, feed.ErrSourceClosed)
		}
	})
}
