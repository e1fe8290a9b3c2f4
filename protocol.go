package tocks

import (
	"fmt"
	"time"

	"github.com/opd-ai/toxcore"

	"github.com/opd-ai/tocks/storage"
)

// Receipt correlates a sent message with its eventual delivery
// confirmation. Receipts are ephemeral: they do not survive a restart of
// either the process or the protocol library.
type Receipt uint32

// FriendRequest is an incoming request from a peer that is not yet a
// friend. It requires an explicit accept/block/purge decision.
type FriendRequest struct {
	PublicKey PublicKey `json:"public_key"`
	Message   string    `json:"message"`
}

// ProtocolSession is the capability surface tocks requires from the
// wrapped protocol library. Callbacks are delivered from within Iterate;
// registering them before the first Iterate call is the caller's job.
type ProtocolSession interface {
	// Iterate performs one step of the protocol's network loop.
	Iterate()
	// IterationInterval is the library's recommended spacing between
	// Iterate calls. Read once per session.
	IterationInterval() time.Duration

	PublicKey() PublicKey
	// Address returns the full Tox ID (public key + nospam + checksum) in
	// hex form.
	Address() string
	Name() string
	SetName(name string) error
	// Savedata serializes the session for persistence via SaveManager.
	Savedata() []byte

	// FriendKeys enumerates the protocol-level friend relationships, used
	// to reconcile with stored friends at session start.
	FriendKeys() []PublicKey
	AddFriendByPublicKey(key PublicKey) error
	// RequestFriend sends an outgoing friend request to a full Tox ID.
	RequestFriend(toxID string, message string) error
	RemoveFriend(key PublicKey) error
	// SendMessage hands one already-persisted message to the network and
	// returns the delivery receipt.
	SendMessage(key PublicKey, message storage.Message) (Receipt, error)

	OnFriendRequest(func(FriendRequest))
	OnFriendMessage(func(key PublicKey, message storage.Message))
	OnFriendStatus(func(key PublicKey, status Status))
	OnFriendName(func(key PublicKey, name string))
	// OnReceiptDelivered fires when the library confirms delivery of a
	// previously returned receipt.
	OnReceiptDelivered(func(receipt Receipt))

	Kill()
}

// toxSession adapts a toxcore instance to the ProtocolSession surface,
// translating between friend numbers and public keys at the boundary.
type toxSession struct {
	tox *toxcore.Tox
}

// newToxSession builds a protocol session, creating a fresh identity when
// savedata is empty and restoring the saved one otherwise.
func newToxSession(savedata []byte) (*toxSession, error) {
	options := toxcore.NewOptions()
	if len(savedata) > 0 {
		options.SavedataType = toxcore.SaveDataTypeToxSave
		options.SavedataData = savedata
		options.SavedataLength = uint32(len(savedata))
	}

	tox, err := toxcore.New(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create tox instance: %w", err)
	}

	return &toxSession{tox: tox}, nil
}

func (s *toxSession) Iterate() {
	s.tox.Iterate()
}

func (s *toxSession) IterationInterval() time.Duration {
	return s.tox.IterationInterval()
}

func (s *toxSession) PublicKey() PublicKey {
	return PublicKey(s.tox.SelfGetPublicKey())
}

func (s *toxSession) Address() string {
	return s.tox.SelfGetAddress()
}

func (s *toxSession) Name() string {
	return s.tox.SelfGetName()
}

func (s *toxSession) SetName(name string) error {
	return s.tox.SelfSetName(name)
}

func (s *toxSession) Savedata() []byte {
	return s.tox.GetSavedata()
}

func (s *toxSession) FriendKeys() []PublicKey {
	friends := s.tox.GetFriends()
	keys := make([]PublicKey, 0, len(friends))
	for _, f := range friends {
		keys = append(keys, PublicKey(f.PublicKey))
	}
	return keys
}

func (s *toxSession) AddFriendByPublicKey(key PublicKey) error {
	if _, err := s.tox.AddFriendByPublicKey([32]byte(key)); err != nil {
		return fmt.Errorf("failed to add friend %s: %w", key, err)
	}
	return nil
}

func (s *toxSession) RequestFriend(toxID string, message string) error {
	if _, err := s.tox.AddFriend(toxID, message); err != nil {
		return fmt.Errorf("failed to request friend %s: %w", toxID, err)
	}
	return nil
}

func (s *toxSession) RemoveFriend(key PublicKey) error {
	id, err := s.tox.FriendByPublicKey([32]byte(key))
	if err != nil {
		return fmt.Errorf("failed to resolve friend %s: %w", key, err)
	}
	return s.tox.DeleteFriend(id)
}

func (s *toxSession) SendMessage(key PublicKey, message storage.Message) (Receipt, error) {
	id, err := s.tox.FriendByPublicKey([32]byte(key))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve friend %s: %w", key, err)
	}

	kind := toxcore.MessageTypeNormal
	if message.Kind == storage.MessageAction {
		kind = toxcore.MessageTypeAction
	}

	receipt, err := s.tox.FriendSendMessage(id, message.Text, kind)
	if err != nil {
		return 0, fmt.Errorf("failed to send message to %s: %w", key, err)
	}

	return Receipt(receipt), nil
}

func (s *toxSession) OnFriendRequest(callback func(FriendRequest)) {
	s.tox.OnFriendRequest(func(publicKey [32]byte, message string) {
		callback(FriendRequest{PublicKey: PublicKey(publicKey), Message: message})
	})
}

func (s *toxSession) OnFriendMessage(callback func(PublicKey, storage.Message)) {
	s.tox.OnFriendMessageDetailed(func(friendID uint32, text string, messageType toxcore.MessageType) {
		key, err := s.tox.GetFriendPublicKey(friendID)
		if err != nil {
			return
		}

		kind := storage.MessageNormal
		if messageType == toxcore.MessageTypeAction {
			kind = storage.MessageAction
		}

		callback(PublicKey(key), storage.Message{Kind: kind, Text: text})
	})
}

func (s *toxSession) OnFriendStatus(callback func(PublicKey, Status)) {
	s.tox.OnFriendStatus(func(friendID uint32, status toxcore.FriendStatus) {
		key, err := s.tox.GetFriendPublicKey(friendID)
		if err != nil {
			return
		}
		callback(PublicKey(key), statusFromProtocol(status))
	})
}

func (s *toxSession) OnFriendName(callback func(PublicKey, string)) {
	s.tox.OnFriendName(func(friendID uint32, name string) {
		key, err := s.tox.GetFriendPublicKey(friendID)
		if err != nil {
			return
		}
		callback(PublicKey(key), name)
	})
}

// OnReceiptDelivered is wired for libraries that confirm delivery. The
// current toxcore implementation never does, so sent messages stay pending
// until a future library version reports receipts.
func (s *toxSession) OnReceiptDelivered(func(Receipt)) {
}

func (s *toxSession) Kill() {
	s.tox.Kill()
}

func statusFromProtocol(status toxcore.FriendStatus) Status {
	switch status {
	case toxcore.FriendStatusOnline:
		return StatusOnline
	case toxcore.FriendStatusAway:
		return StatusAway
	case toxcore.FriendStatusBusy:
		return StatusBusy
	default:
		return StatusOffline
	}
}
