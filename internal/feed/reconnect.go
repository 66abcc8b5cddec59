package feed

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// 再接続ポリシーの既定値。
const (
	reconnectInitialInterval = 500 * time.Millisecond
	reconnectMaxInterval     = 30 * time.Second
)

// ErrGaveUp はイベントソースが再接続を諦めたことを表す。
var ErrGaveUp = errors.New("イベントソースへの再接続を中止しました")

// NewBackOff は購読が切れたときの再接続間隔を返すBackOffを生成する。
// 指数的に間隔を伸ばし、上限30秒で購読が解放されるまで試行を続ける。
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialInterval
	b.MaxInterval = reconnectMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WaitBackOff はbの次の間隔だけ待つ。
// ctxがキャンセルされた場合はctx.Err()を、bが試行終了を返した場合はErrGaveUpを返す。
func WaitBackOff(ctx context.Context, b backoff.BackOff) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return ErrGaveUp
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
