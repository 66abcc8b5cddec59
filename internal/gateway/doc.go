// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 開発用JWTの発行、メンバープロフィールの管理、内部サービスへのリクエスト転送を担当する。
// 外部からアクセスされる唯一の入口であり、認証済みリクエストだけを内部サービスに転送する。
// プロフィールを更新するとEvent StoreにProfileUpdatedイベントを追記する。
package gateway
