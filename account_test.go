package tocks

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tocks/storage"
)

func newTestAccount(t *testing.T, session ProtocolSession, avSession AVSession) *Account {
	t.Helper()

	store, err := storage.OpenInMemory()
	require.NoError(t, err)

	saves := NewSaveManager(filepath.Join(t.TempDir(), "test.tox"))

	account, err := newAccount("test", session, avSession, store, saves)
	require.NoError(t, err)

	t.Cleanup(account.stop)
	return account
}

func friendKey(seed byte) PublicKey {
	var key PublicKey
	key[31] = seed
	return key
}

func TestReconcileAdoptsProtocolFriends(t *testing.T) {
	session := newMockSession(1)
	session.friendKeys = []PublicKey{friendKey(7)}

	account := newTestAccount(t, session, nil)

	friends := account.friends()
	require.Len(t, friends, 1)
	assert.Equal(t, friendKey(7), friends[0].PublicKey)
	assert.Equal(t, StatusOffline, friends[0].Status)

	records, err := account.store.Friends()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, [32]byte(friendKey(7)), records[0].PublicKey)
}

func TestStoredFriendMissingFromProtocolIsPending(t *testing.T) {
	session := newMockSession(1)

	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	_, err = store.AddFriend([32]byte(friendKey(9)), "old friend")
	require.NoError(t, err)

	saves := NewSaveManager(filepath.Join(t.TempDir(), "test.tox"))
	account, err := newAccount("test", session, nil, store, saves)
	require.NoError(t, err)
	t.Cleanup(account.stop)

	friends := account.friends()
	require.Len(t, friends, 1)
	assert.Equal(t, StatusPending, friends[0].Status)
}

func TestSendMessagePersistsBeforeTransmitting(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	friend, err := account.addFriendByPublicKey(friendKey(2))
	require.NoError(t, err)

	entries, err := account.sendMessage(friend.Chat, storage.Message{
		Kind: storage.MessageNormal,
		Text: "hello",
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Receipt outstanding, so delivery is not confirmed yet.
	assert.False(t, entries[0].Complete)
	require.Len(t, session.sent, 1)
	assert.Equal(t, "hello", session.sent[0].message.Text)

	loaded, err := account.loadMessages(friend.Chat)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.False(t, loaded[0].Complete)
}

func TestReceiptResolutionCompletesMessage(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	friend, err := account.addFriendByPublicKey(friendKey(2))
	require.NoError(t, err)

	entries, err := account.sendMessage(friend.Chat, storage.Message{
		Kind: storage.MessageNormal,
		Text: "ping",
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	target, resolved := account.handleReceipt(session.nextReceipt)
	require.True(t, resolved)
	assert.Equal(t, friend.Chat, target.chat)
	assert.Equal(t, entries[0].ID, target.message)

	loaded, err := account.loadMessages(friend.Chat)
	require.NoError(t, err)
	assert.True(t, loaded[0].Complete)

	// Receipts resolve once.
	_, resolved = account.handleReceipt(session.nextReceipt)
	assert.False(t, resolved)
}

func TestSendMessageToUnknownChatFails(t *testing.T) {
	account := newTestAccount(t, newMockSession(1), nil)

	_, err := account.sendMessage(42, storage.Message{Kind: storage.MessageNormal, Text: "x"})
	assert.ErrorIs(t, err, ErrUnknownChat)
}

func TestPendingFriendLifecycle(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	request := FriendRequest{PublicKey: friendKey(3), Message: "add me"}
	friend, fresh, err := account.handleFriendRequest(request)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, StatusPending, friend.Status)
	assert.Empty(t, session.added)

	accepted, err := account.acceptPendingFriend(friend.User)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, accepted.Status)
	assert.Equal(t, friend.User, accepted.User)
	require.Len(t, session.added, 1)
	assert.Equal(t, friendKey(3), session.added[0])

	// Accepting twice is not an error; the friendship already exists.
	_, err = account.acceptPendingFriend(friend.User)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestRepeatedFriendRequestIsNotFresh(t *testing.T) {
	account := newTestAccount(t, newMockSession(1), nil)

	request := FriendRequest{PublicKey: friendKey(3), Message: "add me"}
	first, fresh, err := account.handleFriendRequest(request)
	require.NoError(t, err)
	require.True(t, fresh)

	again, fresh, err := account.handleFriendRequest(request)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, first.User, again.User)
	assert.Equal(t, first.Chat, again.Chat)
	assert.Len(t, account.friends(), 1)
}

func TestAcceptUnknownUserFails(t *testing.T) {
	account := newTestAccount(t, newMockSession(1), nil)

	_, err := account.acceptPendingFriend(999)
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestRemoveFriendDropsProtocolAndRegistry(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	friend, err := account.addFriendByPublicKey(friendKey(4))
	require.NoError(t, err)

	removed, err := account.removeFriend(friend.User)
	require.NoError(t, err)
	assert.Equal(t, friend.PublicKey, removed.PublicKey)
	require.Len(t, session.removed, 1)
	assert.Empty(t, account.friends())

	_, err = account.removeFriend(friend.User)
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestIncomingMessageLandsInFriendChat(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	friend, err := account.addFriendByPublicKey(friendKey(5))
	require.NoError(t, err)

	chat, entry, err := account.handleFriendMessage(friendMessage{
		key:     friendKey(5),
		message: storage.Message{Kind: storage.MessageAction, Text: "waves"},
	})
	require.NoError(t, err)
	assert.Equal(t, friend.Chat, chat)
	assert.Equal(t, friend.User, entry.Sender)
	assert.Equal(t, storage.MessageAction, entry.Message.Kind)
	assert.True(t, entry.Complete)
}

func TestStatusChangeIsDeduplicated(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	friend, err := account.addFriendByPublicKey(friendKey(6))
	require.NoError(t, err)

	user, status, changed := account.handleStatusChange(statusChange{key: friendKey(6), status: StatusOnline})
	require.True(t, changed)
	assert.Equal(t, friend.User, user)
	assert.Equal(t, StatusOnline, status)

	_, _, changed = account.handleStatusChange(statusChange{key: friendKey(6), status: StatusOnline})
	assert.False(t, changed)
}

func TestNameChangePersists(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	_, err := account.addFriendByPublicKey(friendKey(6))
	require.NoError(t, err)

	_, changed := account.handleNameChange(nameChange{key: friendKey(6), name: "alice"})
	require.True(t, changed)

	records, err := account.store.Friends()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Name)
}

func TestCallLifecycle(t *testing.T) {
	session := newMockSession(1)
	avSession := newMockAVSession()
	account := newTestAccount(t, session, avSession)

	friend, err := account.addFriendByPublicKey(friendKey(8))
	require.NoError(t, err)

	chat, state, changed := account.handleCallEvent(callEvent{key: friendKey(8), kind: callEventIncoming})
	require.True(t, changed)
	assert.Equal(t, friend.Chat, chat)
	assert.Equal(t, CallStateIncoming, state)

	accepted, err := account.acceptCall(friend.Chat)
	require.NoError(t, err)
	assert.Equal(t, CallStateActive, accepted)
	require.Len(t, avSession.answered, 1)

	_, state, changed = account.handleCallEvent(callEvent{key: friendKey(8), kind: callEventEnded})
	require.True(t, changed)
	assert.Equal(t, CallStateIdle, state)
}

func TestAcceptCallWithoutRingFails(t *testing.T) {
	account := newTestAccount(t, newMockSession(1), newMockAVSession())

	friend, err := account.addFriendByPublicKey(friendKey(8))
	require.NoError(t, err)

	_, err = account.acceptCall(friend.Chat)
	assert.ErrorIs(t, err, ErrNoIncomingCall)
}

func TestCallFriendWithoutAVFails(t *testing.T) {
	account := newTestAccount(t, newMockSession(1), nil)

	friend, err := account.addFriendByPublicKey(friendKey(8))
	require.NoError(t, err)

	_, err = account.callFriend(friend.Chat)
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestAccountIDsAreNeverReused(t *testing.T) {
	manager := newAccountManager()

	first := manager.add(&Account{})
	second := manager.add(&Account{})
	assert.Equal(t, AccountID(1), first)
	assert.Equal(t, AccountID(2), second)

	_, err := manager.get(first)
	assert.NoError(t, err)
	_, err = manager.get(99)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestEmptyRegistryContributesNoCases(t *testing.T) {
	manager := newAccountManager()

	cases, targets := manager.selectCases(nil, nil)
	assert.Empty(t, cases)
	assert.Empty(t, targets)
}

// The core loop must wake up for account activity without polling: after an
// account joins the registry, a select over its cases resolves on the next
// iteration tick.
func TestRegistrySelectResolvesAfterAdd(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	manager := newAccountManager()
	manager.add(account)

	cases, targets := manager.selectCases(nil, nil)
	require.NotEmpty(t, cases)

	timeout := time.After(5 * time.Second)
	cases = append(cases, recvCase(timeout))

	chosen, _, _ := reflect.Select(cases)
	require.Less(t, chosen, len(targets), "timed out waiting for account tick")
	assert.Equal(t, caseTick, targets[chosen].kind)
}

func TestCallbackBridgeDropsWhenFull(t *testing.T) {
	session := newMockSession(1)
	account := newTestAccount(t, session, nil)

	// Overfill the request buffer; the bridge must not block.
	for i := 0; i < requestBufferSize+5; i++ {
		session.friendRequest(FriendRequest{PublicKey: friendKey(byte(i + 1))})
	}
	assert.Len(t, account.friendRequests, requestBufferSize)
}
