package protocol

import "time"

// Code identifies why a request was rejected. Clients switch on it; the
// accompanying text is for humans.
type Code string

const (
	CodeBannedIP          Code = "banned_ip"
	CodeNameTaken         Code = "name_taken"
	CodeInvalidName       Code = "invalid_name"
	CodeAlreadyRegistered Code = "already_registered"
	CodeNotRegistered     Code = "not_registered"
	CodeUnauthorized      Code = "unauthorized"
	CodeInvalidCredential Code = "invalid_credential"
	CodeRecipientNotFound Code = "recipient_not_found"
	CodeNoPublicKey       Code = "no_public_key"
	CodeRateLimited       Code = "rate_limited"
	CodeMalformedFrame    Code = "malformed_frame"
	CodeUnknownCommand    Code = "unknown_command"
	CodeRoomNotFound      Code = "room_not_found"
	CodeRoomExists        Code = "room_exists"
	CodeIsMainRoom        Code = "is_main_room"
	CodeInvalidRoomName   Code = "invalid_room_name"
	CodeNotBanned         Code = "not_banned"
	CodePersistence       Code = "persistence_failed"
	CodeInternal          Code = "internal_error"
)

// Events carried by informational system notices.
const (
	EventJoined        = "joined"
	EventLeft          = "left"
	EventRenamed       = "renamed"
	EventRoomChanged   = "room_changed"
	EventRoomCreated   = "room_created"
	EventRoomDeleted   = "room_deleted"
	EventKeyRegistered = "key_registered"
	EventAdminGranted  = "admin_granted"
	EventDelivered     = "delivered"
	EventKicked        = "kicked"
	EventBanned        = "banned"
	EventUnbanned      = "unbanned"
	EventHelp          = "help"
	EventShutdown      = "shutdown"
)

// ErrorNotice builds a rejection notice.
func ErrorNotice(code Code, text string, at time.Time) *Outbound {
	level := LevelError
	if code == CodeRateLimited {
		level = LevelWarning
	}
	return &Outbound{
		Type:  TypeSystemNotice,
		At:    at,
		Level: level,
		Code:  code,
		Text:  text,
	}
}

// EventNotice builds an informational notice.
func EventNotice(event, text string, at time.Time) *Outbound {
	return &Outbound{
		Type:  TypeSystemNotice,
		At:    at,
		Level: LevelInfo,
		Event: event,
		Text:  text,
	}
}
