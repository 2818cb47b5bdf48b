package server

import (
	"errors"

	"github.com/Tyrowin/relay/internal/protocol"
)

// Session-level errors. Each maps to a notice code sent back to the client;
// none of them ends the process.
var (
	ErrBannedIP          = errors.New("address is banned")
	ErrNameTaken         = errors.New("name is already taken")
	ErrInvalidName       = errors.New("invalid name")
	ErrAlreadyRegistered = errors.New("session is already registered")
	ErrNotRegistered     = errors.New("session is not registered")
	ErrUnauthorized      = errors.New("admin rights required")
	ErrInvalidCredential = errors.New("invalid admin credential")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrNoPublicKey       = errors.New("recipient has no public key")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrRoomNotFound      = errors.New("room not found")
	ErrDuplicateRoom     = errors.New("room already exists")
	ErrIsMainRoom        = errors.New("operation not allowed on the main room")
	ErrInvalidRoomName   = errors.New("invalid room name")
	ErrNotBanned         = errors.New("address is not banned")
	ErrPersistence       = errors.New("failed to persist state")
)

var noticeCodes = []struct {
	err  error
	code protocol.Code
}{
	{ErrBannedIP, protocol.CodeBannedIP},
	{ErrNameTaken, protocol.CodeNameTaken},
	{ErrInvalidName, protocol.CodeInvalidName},
	{ErrAlreadyRegistered, protocol.CodeAlreadyRegistered},
	{ErrNotRegistered, protocol.CodeNotRegistered},
	{ErrUnauthorized, protocol.CodeUnauthorized},
	{ErrInvalidCredential, protocol.CodeInvalidCredential},
	{ErrRecipientNotFound, protocol.CodeRecipientNotFound},
	{ErrNoPublicKey, protocol.CodeNoPublicKey},
	{ErrRateLimited, protocol.CodeRateLimited},
	{ErrMalformedFrame, protocol.CodeMalformedFrame},
	{ErrUnknownCommand, protocol.CodeUnknownCommand},
	{ErrRoomNotFound, protocol.CodeRoomNotFound},
	{ErrDuplicateRoom, protocol.CodeRoomExists},
	{ErrIsMainRoom, protocol.CodeIsMainRoom},
	{ErrInvalidRoomName, protocol.CodeInvalidRoomName},
	{ErrNotBanned, protocol.CodeNotBanned},
	{ErrPersistence, protocol.CodePersistence},
}

// noticeCode returns the wire code for err, or internal_error when err wraps
// none of the sentinels above.
func noticeCode(err error) protocol.Code {
	for _, nc := range noticeCodes {
		if errors.Is(err, nc.err) {
			return nc.code
		}
	}
	return protocol.CodeInternal
}
