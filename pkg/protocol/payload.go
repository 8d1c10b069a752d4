package protocol

import "strings"

// Return message strings the server sends inside TypeReturnMsg frames. The
// client matches on these verbatim, so they are part of the wire contract.
const (
	RetLoginSuccess       = "login:login_success"
	RetLoginNoSuchUser    = "login:login_failed, user_not_exist"
	RetLoginWrongPassword = "login:login_failed, password_error"
	RetLoginAlreadyOnline = "login:login_failed, user_already_online"
	RetLoginFormatError   = "login:login_failed, format_error"

	RetRegisterSuccess         = "register:register_success"
	RetRegisterInvalidUsername = "register:invalid_username"
	RetRegisterInvalidPassword = "register:invalid_password"
	RetRegisterLimitReached    = "register:user_limit_reached"
	RetRegisterUsernameExists  = "register:username_exists"
	RetRegisterFailed          = "register:register_failed"

	RetHeartbeat      = "heartbeat"
	RetForwardSuccess = "forward success"

	RetDeleteSuccess         = "delete success"
	RetDeleteFailed          = "delete failed"
	RetChangePasswordSuccess = "change password success"
	RetChangePasswordFailed  = "change password failed"
	RetOldPasswordError      = "old password error"
	RetNewPasswordInvalid    = "new password invalid"

	RetUnknownInstruction = "unknown instruction type"
	RetUnknownMessage     = "unknown message type"

	userOnlinePrefix     = "user_online:"
	userOfflinePrefix    = "user_offline:"
	allUsersPrefix       = "all_user:"
	allOnlineUsersPrefix = "all_online_users:"
)

// SplitPair splits a payload of the form "a|b" at the FIRST separator, as the
// original protocol does; "b" may itself contain further separators.
func SplitPair(s string) (left, right string, ok bool) {
	idx := strings.Index(s, "|")
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// JoinPair builds an "a|b" payload.
func JoinPair(left, right string) string {
	return left + "|" + right
}

// UserOnlineNotice builds the broadcast payload for a user coming online.
func UserOnlineNotice(username string) string {
	return userOnlinePrefix + username
}

// UserOfflineNotice builds the broadcast payload for a user going offline.
func UserOfflineNotice(username string) string {
	return userOfflinePrefix + username
}

// TargetOfflineNotice builds the reply sent to a forwarder whose target has
// no live session.
func TargetOfflineNotice(target string) string {
	return "用户" + target + "不在线"
}

// UserList builds the "all_user:" reply. Every name is followed by a
// separator, trailing one included, matching the original server.
func UserList(names []string) string {
	return joinNames(allUsersPrefix, names)
}

// OnlineUserList builds the "all_online_users:" reply.
func OnlineUserList(names []string) string {
	return joinNames(allOnlineUsersPrefix, names)
}

func joinNames(prefix string, names []string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, name := range names {
		b.WriteString(name)
		b.WriteString("|")
	}
	return b.String()
}

// LoginFrame builds a login handshake frame.
func LoginFrame(username, password string) *Frame {
	return &Frame{Type: TypeLogin, Payload: []byte(JoinPair(username, password))}
}

// RegisterFrame builds a register handshake frame.
func RegisterFrame(username, password string) *Frame {
	return &Frame{Type: TypeRegisterUser, Payload: []byte(JoinPair(username, password))}
}

// ForwardFrame builds a point-to-point message frame. Client side carries
// "target|message"; server-to-target carries "sender|message".
func ForwardFrame(name, message string) *Frame {
	return &Frame{Type: TypeForwardMsg, Payload: []byte(JoinPair(name, message))}
}

// ReturnFrame builds a server return_msg frame.
func ReturnFrame(msg string) *Frame {
	return &Frame{Type: TypeReturnMsg, Payload: []byte(msg)}
}

// InstructionFrame builds a payload-less instruction frame.
func InstructionFrame(code uint32) *Frame {
	return &Frame{Type: TypeInstruction, Instruction: code}
}

// ChangePasswordFrame builds the change_password instruction with its
// "old|new" payload.
func ChangePasswordFrame(oldPassword, newPassword string) *Frame {
	return &Frame{
		Type:        TypeInstruction,
		Instruction: InstructionChangePassword,
		Payload:     []byte(JoinPair(oldPassword, newPassword)),
	}
}
