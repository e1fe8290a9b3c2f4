package tocks

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/opd-ai/tocks/storage"
)

// PublicKey is the stable cross-restart identity of an account or friend.
// It serializes as lowercase hex on the wire.
type PublicKey [32]byte

// PublicKeyFromHex parses a 32 byte public key from its hex form.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var key PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid public key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("invalid public key: got %d bytes, want %d", len(raw), len(key))
	}
	copy(key[:], raw)
	return key, nil
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := PublicKeyFromHex(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Status is a friend's presence as observed through the protocol, plus the
// Pending state for incoming requests that have not been accepted yet.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusPending Status = "pending"
)

// Friend is a peer with a persistent conversation relationship. The storage
// row is the source of truth; the protocol-level friend handle is a
// session-scoped parallel correlated by public key.
type Friend struct {
	User      storage.UserHandle `json:"user"`
	Chat      storage.ChatHandle `json:"chat"`
	PublicKey PublicKey          `json:"public_key"`
	Name      string             `json:"name"`
	Status    Status             `json:"status"`
}

// User is a person known to an account outside a friend relationship,
// e.g. after being blocked.
type User struct {
	ID        storage.UserHandle `json:"id"`
	PublicKey PublicKey          `json:"public_key"`
	Name      string             `json:"name"`
}

// friendBundle pairs the stored friend with its protocol friend number.
// Pending friends have no protocol handle yet.
type friendBundle struct {
	friend      Friend
	protocolID  uint32
	hasProtocol bool
}

// userManager indexes an account's friend bundles by every handle the rest
// of the system addresses them with.
type userManager struct {
	byChat map[storage.ChatHandle]*friendBundle
	byUser map[storage.UserHandle]*friendBundle
	byKey  map[PublicKey]*friendBundle
}

func newUserManager() *userManager {
	return &userManager{
		byChat: make(map[storage.ChatHandle]*friendBundle),
		byUser: make(map[storage.UserHandle]*friendBundle),
		byKey:  make(map[PublicKey]*friendBundle),
	}
}

func (m *userManager) add(friend Friend, protocolID uint32) *friendBundle {
	bundle := &friendBundle{friend: friend, protocolID: protocolID, hasProtocol: true}
	m.index(bundle)
	return bundle
}

func (m *userManager) addPending(friend Friend) *friendBundle {
	friend.Status = StatusPending
	bundle := &friendBundle{friend: friend}
	m.index(bundle)
	return bundle
}

func (m *userManager) index(bundle *friendBundle) {
	m.byChat[bundle.friend.Chat] = bundle
	m.byUser[bundle.friend.User] = bundle
	m.byKey[bundle.friend.PublicKey] = bundle
}

func (m *userManager) remove(user storage.UserHandle) {
	bundle, ok := m.byUser[user]
	if !ok {
		return
	}
	delete(m.byChat, bundle.friend.Chat)
	delete(m.byUser, bundle.friend.User)
	delete(m.byKey, bundle.friend.PublicKey)
}

func (m *userManager) chat(handle storage.ChatHandle) (*friendBundle, bool) {
	bundle, ok := m.byChat[handle]
	return bundle, ok
}

func (m *userManager) user(handle storage.UserHandle) (*friendBundle, bool) {
	bundle, ok := m.byUser[handle]
	return bundle, ok
}

func (m *userManager) key(key PublicKey) (*friendBundle, bool) {
	bundle, ok := m.byKey[key]
	return bundle, ok
}

// friends returns a snapshot of all known friends, pending included.
func (m *userManager) friends() []Friend {
	out := make([]Friend, 0, len(m.byUser))
	for _, bundle := range m.byUser {
		out = append(out, bundle.friend)
	}
	return out
}
