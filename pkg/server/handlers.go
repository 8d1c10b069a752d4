package server

import (
	"errors"
	"log"

	"github.com/chatapperro/chatserve/pkg/database"
	"github.com/chatapperro/chatserve/pkg/protocol"
)

// dispatch routes one decoded frame for an active session. It returns true
// when the session must transition to Closing.
func (s *Server) dispatch(sess *Session, frame *protocol.Frame) (closeSession bool) {
	switch frame.Type {
	case protocol.TypeForwardMsg:
		s.handleForward(sess, string(frame.Payload))
		return false
	case protocol.TypeInstruction:
		return s.handleInstruction(sess, frame)
	default:
		// Decodable but out of place here (e.g. a login while active)
		debugLog.Printf("Session %d (%s): unexpected frame type 0x%02X", sess.ID, sess.Username, frame.Type)
		s.enqueue(sess, protocol.ReturnFrame(protocol.RetUnknownMessage))
		return false
	}
}

// handleForward relays a "target|message" payload. The relayed frame carries
// the sender's identity so the target knows who is talking.
func (s *Server) handleForward(sess *Session, payload string) {
	target, message, ok := protocol.SplitPair(payload)
	if !ok {
		// Not a framing error: log and move on without closing
		log.Printf("Session %d (%s): malformed forward payload, discarding", sess.ID, sess.Username)
		return
	}

	targetSess, online := s.registry.Lookup(target)
	if !online {
		s.enqueue(sess, protocol.ReturnFrame(protocol.TargetOfflineNotice(target)))
		if s.metrics != nil {
			s.metrics.RecordForwardOffline()
		}
		return
	}

	s.enqueue(targetSess, protocol.ForwardFrame(sess.Username, message))
	s.enqueue(sess, protocol.ReturnFrame(protocol.RetForwardSuccess))
	if s.metrics != nil {
		s.metrics.RecordForwardDelivered()
	}
	debugLog.Printf("Session %d (%s): forwarded %d bytes to %q", sess.ID, sess.Username, len(message), target)
}

// handleInstruction executes one instruction frame. Runtime failures answer
// with a failure frame and keep the session active; only logout and
// delete_self close it.
func (s *Server) handleInstruction(sess *Session, frame *protocol.Frame) (closeSession bool) {
	switch frame.Instruction {
	case protocol.InstructionLogout:
		log.Printf("Session %d (%s): logout", sess.ID, sess.Username)
		return true

	case protocol.InstructionDeleteSelf:
		if err := s.db.DeleteAccount(sess.Username); err != nil {
			log.Printf("Session %d (%s): account deletion failed: %v", sess.ID, sess.Username, err)
			s.enqueue(sess, protocol.ReturnFrame(protocol.RetDeleteFailed))
		} else {
			log.Printf("Session %d (%s): account deleted", sess.ID, sess.Username)
			s.enqueue(sess, protocol.ReturnFrame(protocol.RetDeleteSuccess))
		}
		return true

	case protocol.InstructionChangePassword:
		s.handleChangePassword(sess, string(frame.Payload))
		return false

	case protocol.InstructionGetAllUsers:
		names, err := s.db.ListUsernames()
		if err != nil {
			log.Printf("Session %d (%s): listing users failed: %v", sess.ID, sess.Username, err)
		}
		s.enqueue(sess, protocol.ReturnFrame(protocol.UserList(names)))
		return false

	case protocol.InstructionGetAllOnlineUsers:
		s.enqueue(sess, protocol.ReturnFrame(protocol.OnlineUserList(s.registry.OnlineUsernames())))
		return false

	case protocol.InstructionHeartbeatAck:
		// Probe state was already cleared by the read itself
		debugLog.Printf("Session %d (%s): heartbeat ack", sess.ID, sess.Username)
		return false

	default:
		debugLog.Printf("Session %d (%s): unknown instruction %d", sess.ID, sess.Username, frame.Instruction)
		s.enqueue(sess, protocol.ReturnFrame(protocol.RetUnknownInstruction))
		return false
	}
}

func (s *Server) handleChangePassword(sess *Session, payload string) {
	oldPassword, newPassword, ok := protocol.SplitPair(payload)
	if !ok {
		s.enqueue(sess, protocol.ReturnFrame(protocol.RetChangePasswordFailed))
		return
	}

	err := s.db.ChangePassword(sess.Username, oldPassword, newPassword)
	switch {
	case err == nil:
		log.Printf("Session %d (%s): password changed", sess.ID, sess.Username)
		s.enqueue(sess, protocol.ReturnFrame(protocol.RetChangePasswordSuccess))
	case errors.Is(err, database.ErrInvalidPassword):
		s.enqueue(sess, protocol.ReturnFrame(protocol.RetNewPasswordInvalid))
	case errors.Is(err, database.ErrWrongPassword):
		s.enqueue(sess, protocol.ReturnFrame(protocol.RetOldPasswordError))
	default:
		log.Printf("Session %d (%s): password change failed: %v", sess.ID, sess.Username, err)
		s.enqueue(sess, protocol.ReturnFrame(protocol.RetChangePasswordFailed))
	}
}
