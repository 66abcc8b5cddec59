// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// Event Storeへのイベント追記、通知サービスへの送信、Gatewayからのプロフィール取得など、
// JSONを送受信するサービス間通信のパターンを統一する。
// 2xx以外の応答は *StatusError として返す。
package httpclient
