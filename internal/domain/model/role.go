package model

// JWTのroleクレームに入る値
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// 決済や照合など、ユーザー操作ではない変更の監査ログに使うactor
const SystemActorID int64 = 0
