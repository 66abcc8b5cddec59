// Package notification は通知サービスの内部実装を提供する。
//
// メンバー宛ての通知を保存し、一覧取得や既読管理のREST APIを提供する。
// 通知はEvent Storeのクラブ活動イベントからProjectorが生成するほか、
// 内部APIから直接送信することもできる。
//
// 新しい通知はHubを経由して、購読中のクライアントへWebSocketでプッシュされる。
// 通知を保存するたびにNotificationSentイベントをEvent Storeに追記するため、
// WebSocketを使えないクライアントは変更フィードをポーリングして受け取れる。
package notification
