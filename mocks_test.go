package tocks

import (
	"time"

	"github.com/opd-ai/tocks/audio"
	"github.com/opd-ai/tocks/storage"
)

type sentMessage struct {
	key     PublicKey
	message storage.Message
}

// mockSession is a scriptable ProtocolSession. Tests trigger callbacks
// directly to simulate network activity.
type mockSession struct {
	publicKey PublicKey
	address   string
	name      string
	savedata  []byte
	interval  time.Duration

	friendKeys []PublicKey
	added      []PublicKey
	removed    []PublicKey
	sent       []sentMessage

	nextReceipt Receipt
	sendErr     error
	iterations  int
	killed      bool

	friendRequest func(FriendRequest)
	friendMessage func(PublicKey, storage.Message)
	friendStatus  func(PublicKey, Status)
	friendName    func(PublicKey, string)
	receipt       func(Receipt)
}

func newMockSession(seed byte) *mockSession {
	var key PublicKey
	key[0] = seed
	return &mockSession{
		publicKey: key,
		address:   key.String() + "0000000000000000",
		name:      "mock",
		savedata:  []byte{seed},
		interval:  time.Millisecond,
	}
}

func (m *mockSession) Iterate() { m.iterations++ }
func (m *mockSession) IterationInterval() time.Duration { return m.interval }
func (m *mockSession) PublicKey() PublicKey { return m.publicKey }
func (m *mockSession) Address() string { return m.address }
func (m *mockSession) Name() string { return m.name }
func (m *mockSession) SetName(name string) error { m.name = name; return nil }
func (m *mockSession) Savedata() []byte { return m.savedata }
func (m *mockSession) FriendKeys() []PublicKey { return m.friendKeys }

func (m *mockSession) AddFriendByPublicKey(key PublicKey) error {
	m.added = append(m.added, key)
	m.friendKeys = append(m.friendKeys, key)
	return nil
}

func (m *mockSession) RequestFriend(toxID string, message string) error { return nil }

func (m *mockSession) RemoveFriend(key PublicKey) error {
	m.removed = append(m.removed, key)
	return nil
}

func (m *mockSession) SendMessage(key PublicKey, message storage.Message) (Receipt, error) {
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{key: key, message: message})
	m.nextReceipt++
	return m.nextReceipt, nil
}

func (m *mockSession) OnFriendRequest(cb func(FriendRequest)) { m.friendRequest = cb }
func (m *mockSession) OnFriendMessage(cb func(PublicKey, storage.Message)) { m.friendMessage = cb }
func (m *mockSession) OnFriendStatus(cb func(PublicKey, Status)) { m.friendStatus = cb }
func (m *mockSession) OnFriendName(cb func(PublicKey, string)) { m.friendName = cb }
func (m *mockSession) OnReceiptDelivered(cb func(Receipt)) { m.receipt = cb }
func (m *mockSession) Kill() { m.killed = true }

// mockAVSession records call control operations.
type mockAVSession struct {
	interval time.Duration

	called   []PublicKey
	answered []PublicKey
	ended    []PublicKey
	killed   bool

	incoming func(PublicKey)
	active   func(PublicKey)
	endedCb  func(PublicKey)
	frame    func(PublicKey, audio.Frame)
}

func newMockAVSession() *mockAVSession {
	return &mockAVSession{interval: time.Millisecond}
}

func (m *mockAVSession) Iterate() {}
func (m *mockAVSession) IterationInterval() time.Duration { return m.interval }

func (m *mockAVSession) Call(key PublicKey) error {
	m.called = append(m.called, key)
	return nil
}

func (m *mockAVSession) Answer(key PublicKey) error {
	m.answered = append(m.answered, key)
	return nil
}

func (m *mockAVSession) End(key PublicKey) error {
	m.ended = append(m.ended, key)
	return nil
}

func (m *mockAVSession) OnIncomingCall(cb func(PublicKey)) { m.incoming = cb }
func (m *mockAVSession) OnCallActive(cb func(PublicKey)) { m.active = cb }
func (m *mockAVSession) OnCallEnded(cb func(PublicKey)) { m.endedCb = cb }
func (m *mockAVSession) OnAudioFrame(cb func(PublicKey, audio.Frame)) { m.frame = cb }
func (m *mockAVSession) Kill() { m.killed = true }
