// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、パニックリカバリ、CORS設定など、
// gateway・eventstore・notificationの各サービスで共通して使用する。
package middleware
