// Package feed は通知フィードのコントローラを提供する。
//
// Controller は外部のイベントソースを1つだけ購読し、届いた通知を到着順に
// 表示中リストの末尾へ追加する。各通知は表示時間（デフォルト5秒）が経過すると
// 自動的に取り除かれる。Stop で購読を解放すると、表示中の通知は破棄される。
//
// 状態は Unsubscribed → Subscribed → Unsubscribed の一方向のみで、
// 一度停止したコントローラは再開できない。イベントソースが再接続を諦めて
// 配信を終えた場合も Unsubscribed になり、Done が閉じられる。
//
// エラーハンドラはイベントソースとは別のゴルーチンで呼ばれるため、
// エラーハンドラの中から Stop を呼んでもよい。
package feed
