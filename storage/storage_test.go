package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = b
	}
	return key
}

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestAddUserUpsert(t *testing.T) {
	s := openTestStorage(t)

	key := testKey(1)

	first, err := s.AddUser(key, "A")
	require.NoError(t, err)

	second, err := s.AddUser(key, "B")
	require.NoError(t, err)

	// Same key maps to a stable handle, name follows the last observation
	assert.Equal(t, first, second)

	friend, err := s.AddFriend(key, "B")
	require.NoError(t, err)
	assert.Equal(t, first, friend.User)
	assert.Equal(t, "B", friend.Name)
}

func TestAddFriendCreatesChatAndLink(t *testing.T) {
	s := openTestStorage(t)

	friend, err := s.AddFriend(testKey(2), "alice")
	require.NoError(t, err)

	friends, err := s.Friends()
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, friend, friends[0])

	// A second friend gets its own chat
	other, err := s.AddFriend(testKey(3), "bob")
	require.NoError(t, err)
	assert.NotEqual(t, friend.Chat, other.Chat)
	assert.NotEqual(t, friend.User, other.User)
}

func TestPushMessageOrdering(t *testing.T) {
	s := openTestStorage(t)

	friend, err := s.AddFriend(testKey(4), "alice")
	require.NoError(t, err)

	texts := []string{"one", "two", "three", "four"}
	var pushed []ChatLogEntry
	for _, text := range texts {
		entry, err := s.PushMessage(friend.Chat, friend.User, Message{Kind: MessageNormal, Text: text})
		require.NoError(t, err)
		pushed = append(pushed, entry)
	}

	loaded, err := s.LoadMessages(friend.Chat)
	require.NoError(t, err)
	require.Len(t, loaded, len(texts))

	for i, entry := range loaded {
		assert.Equal(t, texts[i], entry.Message.Text)
		assert.Equal(t, pushed[i].ID, entry.ID)
		if i > 0 {
			assert.Greater(t, entry.ID, loaded[i-1].ID)
		}
	}
}

func TestPushMessageActionKindSurvivesLoad(t *testing.T) {
	s := openTestStorage(t)

	friend, err := s.AddFriend(testKey(5), "alice")
	require.NoError(t, err)

	_, err = s.PushMessage(friend.Chat, friend.User, Message{Kind: MessageAction, Text: "waves"})
	require.NoError(t, err)

	loaded, err := s.LoadMessages(friend.Chat)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, MessageAction, loaded[0].Message.Kind)
}

func TestMessagesIsolatedPerChat(t *testing.T) {
	s := openTestStorage(t)

	alice, err := s.AddFriend(testKey(6), "alice")
	require.NoError(t, err)
	bob, err := s.AddFriend(testKey(7), "bob")
	require.NoError(t, err)

	_, err = s.PushMessage(alice.Chat, alice.User, Message{Kind: MessageNormal, Text: "to alice"})
	require.NoError(t, err)

	loaded, err := s.LoadMessages(bob.Chat)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestReceiptLifecycle(t *testing.T) {
	s := openTestStorage(t)

	friend, err := s.AddFriend(testKey(8), "alice")
	require.NoError(t, err)

	entry, err := s.PushMessage(friend.Chat, friend.User, Message{Kind: MessageNormal, Text: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.AddUnresolvedReceipt(entry.ID, 42))

	// While the receipt is outstanding the message reads back incomplete
	loaded, err := s.LoadMessages(friend.Chat)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.False(t, loaded[0].Complete)

	resolved, err := s.ResolveReceipt(42)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, resolved)

	loaded, err = s.LoadMessages(friend.Chat)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.True(t, loaded[0].Complete)

	// Second resolution fails cleanly
	_, err = s.ResolveReceipt(42)
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestReRecordedReceiptReplacesPendingRow(t *testing.T) {
	s := openTestStorage(t)

	friend, err := s.AddFriend(testKey(9), "bob")
	require.NoError(t, err)

	entry, err := s.PushMessage(friend.Chat, friend.User, Message{Kind: MessageNormal, Text: "retry"})
	require.NoError(t, err)

	require.NoError(t, s.AddUnresolvedReceipt(entry.ID, 1))
	require.NoError(t, s.AddUnresolvedReceipt(entry.ID, 2))

	// One pending row per message, so the join never duplicates entries
	loaded, err := s.LoadMessages(friend.Chat)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.False(t, loaded[0].Complete)

	resolved, err := s.ResolveReceipt(2)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, resolved)

	// The superseded receipt no longer resolves anything
	_, err = s.ResolveReceipt(1)
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestRestartClearsReceipts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")

	s, err := Open(path)
	require.NoError(t, err)

	friend, err := s.AddFriend(testKey(9), "alice")
	require.NoError(t, err)

	entry, err := s.PushMessage(friend.Chat, friend.User, Message{Kind: MessageNormal, Text: "lost"})
	require.NoError(t, err)
	require.NoError(t, s.AddUnresolvedReceipt(entry.ID, 7))
	require.NoError(t, s.Close())

	// Reopen: the receipt id must be gone but the message must survive
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ResolveReceipt(7)
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	loaded, err := s.LoadMessages(friend.Chat)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "lost", loaded[0].Message.Text)
	assert.False(t, loaded[0].Complete)
}

func TestFriendAddAtomicity(t *testing.T) {
	s := openTestStorage(t)

	// Force the friend-link insert to fail mid-transaction by dropping the
	// table it writes to; user and chat rows must not leak out.
	_, err := s.db.Exec("DROP TABLE friends")
	require.NoError(t, err)

	_, err = s.AddFriend(testKey(10), "alice")
	require.Error(t, err)

	var users int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&users))
	assert.Zero(t, users)

	var chats int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM chats").Scan(&chats))
	assert.Zero(t, chats)
}
