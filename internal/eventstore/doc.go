// Package eventstore はイベントストアサービスの内部実装を提供する。
//
// クラブ活動のすべての状態変更をイベントとして永続化する変更フィード。
// イベントは不変（immutable）であり、追記のみ（append-only）で運用される。
// 追記順に採番されるpositionを購読側のカーソルとして使用する。
//
// 主な機能:
//   - イベントの追記（Append、楽観的排他制御付き）
//   - position以降のイベント取得（通知サービスのProjectorやポーリング購読用）
//   - AggregateIDによるイベント取得（状態再構築用）
//   - イベントタイプ、日時によるイベント取得
package eventstore
