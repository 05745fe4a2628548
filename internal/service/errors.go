package service

import (
	"errors"

	"anon-chatroom/internal/protocol"
	"anon-chatroom/internal/repository"
)

var (
	ErrAdmissionDenied   = errors.New("too many connections from this address")
	ErrRateLimited       = errors.New("rate limit exceeded, event dropped")
	ErrNotInRoom         = errors.New("not in room")
	ErrRoomNotFound      = errors.New("room not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidSignature  = errors.New("invalid message signature")
	ErrEditWindowExpired = errors.New("edit window expired")
	ErrUnauthorized      = errors.New("not permitted for this identity")
	ErrUnknownEvent      = errors.New("unknown event type")
	ErrInvalidPayload    = errors.New("invalid event payload")
	ErrMessageNotFound   = errors.New("message not found")
	ErrRoomNameTaken     = errors.New("room name already taken")
	ErrInternalServer    = errors.New("internal server error")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAdmissionDenied, "AdmissionDenied"},
	{ErrRateLimited, "RateLimited"},
	{ErrNotInRoom, "NotInRoom"},
	{ErrRoomNotFound, "RoomNotFound"},
	{ErrAccessDenied, "AccessDenied"},
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrEditWindowExpired, "EditWindowExpired"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrUnknownEvent, "UnknownEvent"},
	{ErrInvalidPayload, "InvalidPayload"},
	{protocol.ErrMalformed, "InvalidPayload"},
	{ErrMessageNotFound, "MessageNotFound"},
	{ErrRoomNameTaken, "RoomNameTaken"},
}

// ErrorCode 把错误映射为发给客户端的错误码。未识别的错误一律视为内部错误。
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "InternalError"
}

// PublicMessage 返回可以发给客户端的错误描述，内部错误不透出细节。
func PublicMessage(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.err.Error()
		}
	}
	return ErrInternalServer.Error()
}

// mapRepoError 把仓库层的未找到错误映射到调用场景对应的服务层错误，其余归为内部错误
func mapRepoError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return notFound
	}
	return ErrInternalServer
}
