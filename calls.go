package tocks

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcore"
	"github.com/opd-ai/toxcore/av"

	"github.com/opd-ai/tocks/audio"
	"github.com/opd-ai/tocks/storage"
)

// CallState is the lifecycle of a one-to-one call as seen by clients.
type CallState string

const (
	CallStateIdle     CallState = "idle"
	CallStateIncoming CallState = "incoming"
	CallStateOutgoing CallState = "outgoing"
	CallStateActive   CallState = "active"
)

// Default bitrates for outgoing and answered calls. Video stays disabled;
// the core only carries audio.
const (
	callAudioBitRate = 64000
	callVideoBitRate = 0
)

// callEventKind distinguishes the state changes an AV session reports.
type callEventKind int

const (
	callEventIncoming callEventKind = iota
	callEventActive
	callEventEnded
)

// callEvent is a state change bridged out of AV session callbacks.
type callEvent struct {
	key  PublicKey
	kind callEventKind
}

// AVSession is the audio/video capability of one logged-in account. Peers
// are addressed by public key so call state survives friend renumbering.
type AVSession interface {
	// Iterate advances the AV loop. It must be called alongside the
	// owning session's Iterate at the interval this session reports.
	Iterate()
	IterationInterval() time.Duration

	// Call starts an outgoing audio call to a friend.
	Call(key PublicKey) error
	// Answer accepts a ringing incoming call.
	Answer(key PublicKey) error
	// End hangs up whatever call exists with the friend.
	End(key PublicKey) error

	OnIncomingCall(callback func(key PublicKey))
	OnCallActive(callback func(key PublicKey))
	OnCallEnded(callback func(key PublicKey))
	OnAudioFrame(callback func(key PublicKey, frame audio.Frame))

	Kill()
}

// toxAVSession adapts the toxcore AV surface to AVSession. The library
// addresses friends by number, so every call crosses the number/key
// boundary through the owning Tox instance.
type toxAVSession struct {
	tox   *toxcore.Tox
	toxAV *toxcore.ToxAV

	onActive func(key PublicKey)
	onEnded  func(key PublicKey)
}

func newToxAVSession(tox *toxcore.Tox) (*toxAVSession, error) {
	toxAV, err := toxcore.NewToxAV(tox)
	if err != nil {
		return nil, fmt.Errorf("failed to create AV session: %w", err)
	}

	session := &toxAVSession{tox: tox, toxAV: toxAV}

	// The library keeps one state callback, so active and ended
	// observers share a single registration.
	toxAV.CallbackCallState(func(friendNumber uint32, state av.CallState) {
		pk, err := tox.GetFriendPublicKey(friendNumber)
		if err != nil {
			return
		}
		key := PublicKey(pk)
		switch state {
		case av.CallStateNone:
		case av.CallStateError, av.CallStateFinished:
			if session.onEnded != nil {
				session.onEnded(key)
			}
		default:
			if session.onActive != nil {
				session.onActive(key)
			}
		}
	})

	return session, nil
}

func (s *toxAVSession) Iterate() { s.toxAV.Iterate() }
func (s *toxAVSession) IterationInterval() time.Duration { return s.toxAV.IterationInterval() }

func (s *toxAVSession) Call(key PublicKey) error {
	friendID, err := s.tox.FriendByPublicKey([32]byte(key))
	if err != nil {
		return fmt.Errorf("failed to resolve friend for call: %w", err)
	}
	if err := s.toxAV.Call(friendID, callAudioBitRate, callVideoBitRate); err != nil {
		return fmt.Errorf("failed to start call: %w", err)
	}
	return nil
}

func (s *toxAVSession) Answer(key PublicKey) error {
	friendID, err := s.tox.FriendByPublicKey([32]byte(key))
	if err != nil {
		return fmt.Errorf("failed to resolve friend for answer: %w", err)
	}
	if err := s.toxAV.Answer(friendID, callAudioBitRate, callVideoBitRate); err != nil {
		return fmt.Errorf("failed to answer call: %w", err)
	}
	return nil
}

func (s *toxAVSession) End(key PublicKey) error {
	friendID, err := s.tox.FriendByPublicKey([32]byte(key))
	if err != nil {
		return fmt.Errorf("failed to resolve friend for hangup: %w", err)
	}
	if err := s.toxAV.CallControl(friendID, av.CallControlCancel); err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}
	return nil
}

func (s *toxAVSession) OnIncomingCall(callback func(key PublicKey)) {
	s.toxAV.CallbackCall(func(friendNumber uint32, audioEnabled, videoEnabled bool) {
		key, err := s.tox.GetFriendPublicKey(friendNumber)
		if err != nil {
			logrus.WithError(err).WithField("friend", friendNumber).
				Warn("Incoming call from unknown friend")
			return
		}
		callback(PublicKey(key))
	})
}

func (s *toxAVSession) OnCallActive(callback func(key PublicKey)) {
	s.onActive = callback
}

func (s *toxAVSession) OnCallEnded(callback func(key PublicKey)) {
	s.onEnded = callback
}

func (s *toxAVSession) OnAudioFrame(callback func(key PublicKey, frame audio.Frame)) {
	s.toxAV.CallbackAudioReceiveFrame(func(friendNumber uint32, pcm []int16, sampleCount int, channels uint8, samplingRate uint32) {
		key, err := s.tox.GetFriendPublicKey(friendNumber)
		if err != nil {
			return
		}
		callback(PublicKey(key), audio.Frame{
			PCM:        pcm,
			Channels:   channels,
			SampleRate: samplingRate,
		})
	})
}

func (s *toxAVSession) Kill() { s.toxAV.Kill() }

// callManager tracks per-chat call state for one account. It runs on the
// core goroutine, so no locking.
type callManager struct {
	states map[storage.ChatHandle]CallState
}

func newCallManager() *callManager {
	return &callManager{states: make(map[storage.ChatHandle]CallState)}
}

func (c *callManager) state(chat storage.ChatHandle) CallState {
	if state, ok := c.states[chat]; ok {
		return state
	}
	return CallStateIdle
}

// transition records a new state and reports whether it changed. Ending a
// call drops the entry so the map only holds live calls.
func (c *callManager) transition(chat storage.ChatHandle, state CallState) bool {
	if c.state(chat) == state {
		return false
	}
	if state == CallStateIdle {
		delete(c.states, chat)
	} else {
		c.states[chat] = state
	}
	return true
}
