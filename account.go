package tocks

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tocks/audio"
	"github.com/opd-ai/tocks/storage"
)

// AccountID identifies a logged-in account for the lifetime of the
// process. IDs start at 1 and are never reused, so a stale ID from a
// disconnected client can never address a different account.
type AccountID int64

// Buffer sizes for the callback-to-channel bridges. Callbacks fire inside
// Iterate on the core goroutine, so sends must never block; overflow is
// dropped with a warning.
const (
	requestBufferSize = 16
	eventBufferSize   = 256
	audioBufferSize   = 64
)

type friendMessage struct {
	key     PublicKey
	message storage.Message
}

type statusChange struct {
	key    PublicKey
	status Status
}

type nameChange struct {
	key  PublicKey
	name string
}

type audioFrameEvent struct {
	key   PublicKey
	frame audio.Frame
}

// offer enqueues a bridged callback event without blocking. Dropping under
// pressure is preferable to deadlocking the iteration loop that the
// callback was dispatched from.
func offer[T any](ch chan T, value T, what string) {
	select {
	case ch <- value:
	default:
		logrus.WithField("event", what).Warn("Event buffer full, dropping event")
	}
}

// Account is one logged-in identity: a protocol session, its persistent
// chat history, and the in-memory friend registry correlating the two.
// All methods run on the core goroutine.
type Account struct {
	id   AccountID
	name string

	session   ProtocolSession
	avSession AVSession
	store     *storage.Storage
	saves     *SaveManager
	users     *userManager
	calls     *callManager

	selfUser storage.UserHandle

	ticker   *time.Ticker
	avTicker *time.Ticker

	friendRequests chan FriendRequest
	friendMessages chan friendMessage
	statusChanges  chan statusChange
	nameChanges    chan nameChange
	receipts       chan Receipt
	callEvents     chan callEvent
	audioFrames    chan audioFrameEvent

	// receiptChats remembers which chat a pending receipt belongs to so
	// the completion notification can be addressed. Receipts never
	// survive the session, so process memory is enough.
	receiptChats map[Receipt]receiptTarget
}

type receiptTarget struct {
	chat    storage.ChatHandle
	message storage.ChatMessageID
}

// createAccount builds a brand new identity, persists its first save file
// and opens its chat database.
func createAccount(dirs Dirs, name, password string) (*Account, error) {
	if password != "" {
		return nil, fmt.Errorf("account passwords: %w", ErrUnimplemented)
	}

	session, err := newToxSession(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create account %q: %w", name, err)
	}

	if err := session.SetName(name); err != nil {
		session.Kill()
		return nil, fmt.Errorf("failed to name account %q: %w", name, err)
	}

	return newAccountFromSession(dirs, name, session)
}

// loginAccount restores an identity from its save file.
func loginAccount(dirs Dirs, name, password string) (*Account, error) {
	if password != "" {
		return nil, fmt.Errorf("account passwords: %w", ErrUnimplemented)
	}

	saves := NewSaveManager(savePath(dirs.SaveDir, name))
	savedata, err := saves.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load account %q: %w", name, err)
	}

	session, err := newToxSession(savedata)
	if err != nil {
		return nil, fmt.Errorf("failed to restore account %q: %w", name, err)
	}

	return newAccountFromSession(dirs, name, session)
}

func newAccountFromSession(dirs Dirs, name string, session *toxSession) (*Account, error) {
	avSession, err := newToxAVSession(session.tox)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"account": name,
			"error":   err,
		}).Warn("AV unavailable for account, calls disabled")
		avSession = nil
	}

	if err := os.MkdirAll(dirs.DataDir, 0o700); err != nil {
		logrus.WithFields(logrus.Fields{
			"dir":   dirs.DataDir,
			"error": err,
		}).Error("Failed to create data dir")
	}

	store, err := storage.Open(dirs.databasePath(name))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"account": name,
			"error":   err,
		}).Error("Failed to open chat database, falling back to in-memory history")
		store, err = storage.OpenInMemory()
		if err != nil {
			session.Kill()
			return nil, fmt.Errorf("failed to open in-memory storage: %w", err)
		}
	}

	saves := NewSaveManager(savePath(dirs.SaveDir, name))

	var av AVSession
	if avSession != nil {
		av = avSession
	}

	account, err := newAccount(name, session, av, store, saves)
	if err != nil {
		session.Kill()
		store.Close()
		return nil, err
	}

	if err := account.save(); err != nil {
		logrus.WithFields(logrus.Fields{
			"account": name,
			"error":   err,
		}).Error("Failed to write account save file")
	}

	return account, nil
}

// newAccount wires channels, callbacks and the friend registry around an
// already constructed session. Tests inject mock sessions here.
func newAccount(name string, session ProtocolSession, avSession AVSession, store *storage.Storage, saves *SaveManager) (*Account, error) {
	account := &Account{
		name:      name,
		session:   session,
		avSession: avSession,
		store:     store,
		saves:     saves,
		users:     newUserManager(),
		calls:     newCallManager(),

		friendRequests: make(chan FriendRequest, requestBufferSize),
		friendMessages: make(chan friendMessage, eventBufferSize),
		statusChanges:  make(chan statusChange, eventBufferSize),
		nameChanges:    make(chan nameChange, eventBufferSize),
		receipts:       make(chan Receipt, eventBufferSize),
		callEvents:     make(chan callEvent, requestBufferSize),
		audioFrames:    make(chan audioFrameEvent, audioBufferSize),

		receiptChats: make(map[Receipt]receiptTarget),
	}

	selfName := session.Name()
	if selfName == "" {
		selfName = name
	}
	selfUser, err := store.AddUser([32]byte(session.PublicKey()), selfName)
	if err != nil {
		return nil, fmt.Errorf("failed to record own user: %w", err)
	}
	account.selfUser = selfUser

	if err := account.reconcileFriends(); err != nil {
		return nil, err
	}

	session.OnFriendRequest(func(request FriendRequest) {
		offer(account.friendRequests, request, "friend request")
	})
	session.OnFriendMessage(func(key PublicKey, message storage.Message) {
		offer(account.friendMessages, friendMessage{key: key, message: message}, "friend message")
	})
	session.OnFriendStatus(func(key PublicKey, status Status) {
		offer(account.statusChanges, statusChange{key: key, status: status}, "status change")
	})
	session.OnFriendName(func(key PublicKey, newName string) {
		offer(account.nameChanges, nameChange{key: key, name: newName}, "name change")
	})
	session.OnReceiptDelivered(func(receipt Receipt) {
		offer(account.receipts, receipt, "receipt")
	})

	if avSession != nil {
		avSession.OnIncomingCall(func(key PublicKey) {
			offer(account.callEvents, callEvent{key: key, kind: callEventIncoming}, "incoming call")
		})
		avSession.OnCallActive(func(key PublicKey) {
			offer(account.callEvents, callEvent{key: key, kind: callEventActive}, "call active")
		})
		avSession.OnCallEnded(func(key PublicKey) {
			offer(account.callEvents, callEvent{key: key, kind: callEventEnded}, "call ended")
		})
		avSession.OnAudioFrame(func(key PublicKey, frame audio.Frame) {
			offer(account.audioFrames, audioFrameEvent{key: key, frame: frame}, "audio frame")
		})
		account.avTicker = time.NewTicker(avSession.IterationInterval())
	}

	account.ticker = time.NewTicker(session.IterationInterval())

	return account, nil
}

// reconcileFriends merges the stored friend list with the protocol's. A
// stored friend the protocol no longer knows is shown as pending; a
// protocol friend with no row gets one.
func (a *Account) reconcileFriends() error {
	known := make(map[PublicKey]bool)
	for _, key := range a.session.FriendKeys() {
		known[key] = true
	}

	records, err := a.store.Friends()
	if err != nil {
		return fmt.Errorf("failed to load stored friends: %w", err)
	}

	stored := make(map[PublicKey]bool)
	for _, record := range records {
		key := PublicKey(record.PublicKey)
		stored[key] = true
		friend := Friend{
			User:      record.User,
			Chat:      record.Chat,
			PublicKey: key,
			Name:      record.Name,
			Status:    StatusOffline,
		}
		if known[key] {
			a.users.add(friend, 0)
		} else {
			a.users.addPending(friend)
		}
	}

	for key := range known {
		if stored[key] {
			continue
		}
		if _, err := a.recordFriend(key, ""); err != nil {
			return err
		}
	}

	return nil
}

// recordFriend inserts the storage rows for a friend and indexes the
// bundle. The caller decides whether the protocol already knows the key.
func (a *Account) recordFriend(key PublicKey, name string) (Friend, error) {
	record, err := a.store.AddFriend([32]byte(key), name)
	if err != nil {
		return Friend{}, fmt.Errorf("failed to store friend %s: %w", key, err)
	}
	friend := Friend{
		User:      record.User,
		Chat:      record.Chat,
		PublicKey: key,
		Name:      record.Name,
		Status:    StatusOffline,
	}
	a.users.add(friend, 0)
	return friend, nil
}

// data describes the account to clients.
func (a *Account) data() AccountData {
	return AccountData{
		ID:        a.id,
		User:      a.selfUser,
		PublicKey: a.session.PublicKey(),
		ToxID:     a.session.Address(),
		Name:      a.name,
	}
}

func (a *Account) friends() []Friend {
	return a.users.friends()
}

// save persists the protocol session state. Call after any mutation the
// protocol library tracks, friend changes in particular.
func (a *Account) save() error {
	return a.saves.Save(a.session.Savedata())
}

// addFriendByPublicKey accepts a peer directly by key, both in the
// protocol and in storage.
func (a *Account) addFriendByPublicKey(key PublicKey) (Friend, error) {
	if bundle, ok := a.users.key(key); ok && bundle.hasProtocol {
		return bundle.friend, nil
	}

	if err := a.session.AddFriendByPublicKey(key); err != nil {
		return Friend{}, err
	}

	var friend Friend
	if bundle, ok := a.users.key(key); ok {
		// Was pending; promote in place.
		bundle.friend.Status = StatusOffline
		bundle.hasProtocol = true
		friend = bundle.friend
	} else {
		var err error
		friend, err = a.recordFriend(key, "")
		if err != nil {
			return Friend{}, err
		}
	}

	if err := a.save(); err != nil {
		logrus.WithError(err).WithField("account", a.name).Error("Failed to save after friend add")
	}
	return friend, nil
}

// acceptPendingFriend promotes a pending incoming request to a real
// protocol friendship.
func (a *Account) acceptPendingFriend(user storage.UserHandle) (Friend, error) {
	bundle, ok := a.users.user(user)
	if !ok {
		return Friend{}, ErrUnknownUser
	}
	if bundle.friend.Status != StatusPending {
		return Friend{}, ErrNotPending
	}
	return a.addFriendByPublicKey(bundle.friend.PublicKey)
}

// removeFriend drops the friendship from the protocol and the registry.
// Chat history is retained. Returns the removed friend's public identity.
func (a *Account) removeFriend(user storage.UserHandle) (User, error) {
	bundle, ok := a.users.user(user)
	if !ok {
		return User{}, ErrUnknownUser
	}

	if bundle.hasProtocol {
		if err := a.session.RemoveFriend(bundle.friend.PublicKey); err != nil {
			return User{}, err
		}
		if err := a.save(); err != nil {
			logrus.WithError(err).WithField("account", a.name).Error("Failed to save after friend removal")
		}
	}

	removed := User{
		ID:        bundle.friend.User,
		PublicKey: bundle.friend.PublicKey,
		Name:      bundle.friend.Name,
	}
	a.users.remove(user)
	return removed, nil
}

// sendMessage persists and transmits one message, splitting it to fit the
// protocol limit. Each returned entry is already committed; entries with
// an outstanding receipt report Complete false.
func (a *Account) sendMessage(chat storage.ChatHandle, message storage.Message) ([]storage.ChatLogEntry, error) {
	bundle, ok := a.users.chat(chat)
	if !ok {
		return nil, ErrUnknownChat
	}

	chunks, err := splitMessage(message, maxMessageLength)
	if err != nil {
		return nil, err
	}

	entries := make([]storage.ChatLogEntry, 0, len(chunks))
	for _, chunk := range chunks {
		entry, err := a.store.PushMessage(chat, a.selfUser, chunk)
		if err != nil {
			return entries, fmt.Errorf("failed to store outgoing message: %w", err)
		}

		receipt, err := a.session.SendMessage(bundle.friend.PublicKey, chunk)
		if err != nil {
			entries = append(entries, entry)
			return entries, fmt.Errorf("failed to send message: %w", err)
		}

		if err := a.store.AddUnresolvedReceipt(entry.ID, int64(receipt)); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"account": a.name,
				"chat":    chat,
			}).Error("Failed to record delivery receipt")
		} else {
			entry.Complete = false
			a.receiptChats[receipt] = receiptTarget{chat: chat, message: entry.ID}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (a *Account) loadMessages(chat storage.ChatHandle) ([]storage.ChatLogEntry, error) {
	if _, ok := a.users.chat(chat); !ok {
		return nil, ErrUnknownChat
	}
	return a.store.LoadMessages(chat)
}

// handleFriendRequest stores the requester as a pending friend so the
// conversation has handles before the user decides. A repeated request
// from an already-known peer changes nothing and reports fresh=false so
// callers do not announce the peer twice.
func (a *Account) handleFriendRequest(request FriendRequest) (friend Friend, fresh bool, err error) {
	if bundle, ok := a.users.key(request.PublicKey); ok {
		return bundle.friend, false, nil
	}

	record, err := a.store.AddFriend([32]byte(request.PublicKey), "")
	if err != nil {
		return Friend{}, false, fmt.Errorf("failed to store pending friend: %w", err)
	}

	bundle := a.users.addPending(Friend{
		User:      record.User,
		Chat:      record.Chat,
		PublicKey: request.PublicKey,
		Name:      record.Name,
	})
	return bundle.friend, true, nil
}

func (a *Account) handleFriendMessage(event friendMessage) (storage.ChatHandle, storage.ChatLogEntry, error) {
	bundle, ok := a.users.key(event.key)
	if !ok {
		return 0, storage.ChatLogEntry{}, fmt.Errorf("message from unknown peer %s: %w", event.key, ErrUnknownUser)
	}

	entry, err := a.store.PushMessage(bundle.friend.Chat, bundle.friend.User, event.message)
	if err != nil {
		return 0, storage.ChatLogEntry{}, fmt.Errorf("failed to store incoming message: %w", err)
	}
	return bundle.friend.Chat, entry, nil
}

func (a *Account) handleStatusChange(event statusChange) (storage.UserHandle, Status, bool) {
	bundle, ok := a.users.key(event.key)
	if !ok || bundle.friend.Status == event.status {
		return 0, "", false
	}
	bundle.friend.Status = event.status
	return bundle.friend.User, event.status, true
}

func (a *Account) handleNameChange(event nameChange) (storage.UserHandle, bool) {
	bundle, ok := a.users.key(event.key)
	if !ok || bundle.friend.Name == event.name {
		return 0, false
	}
	bundle.friend.Name = event.name
	if _, err := a.store.AddUser([32]byte(event.key), event.name); err != nil {
		logrus.WithError(err).WithField("account", a.name).Error("Failed to persist friend name")
	}
	return bundle.friend.User, true
}

// handleReceipt marks the matching message delivered. Unknown receipts are
// normal after a restart and are ignored.
func (a *Account) handleReceipt(receipt Receipt) (receiptTarget, bool) {
	target, ok := a.receiptChats[receipt]
	if !ok {
		return receiptTarget{}, false
	}
	delete(a.receiptChats, receipt)

	if _, err := a.store.ResolveReceipt(int64(receipt)); err != nil {
		logrus.WithError(err).WithField("account", a.name).Warn("Receipt resolution failed")
		return receiptTarget{}, false
	}
	return target, true
}

// handleCallEvent folds a session callback into the per-chat call state.
func (a *Account) handleCallEvent(event callEvent) (storage.ChatHandle, CallState, bool) {
	bundle, ok := a.users.key(event.key)
	if !ok {
		return 0, "", false
	}
	chat := bundle.friend.Chat

	var state CallState
	switch event.kind {
	case callEventIncoming:
		state = CallStateIncoming
	case callEventActive:
		state = CallStateActive
	case callEventEnded:
		state = CallStateIdle
	default:
		return 0, "", false
	}

	if !a.calls.transition(chat, state) {
		return 0, "", false
	}
	return chat, state, true
}

func (a *Account) callFriend(chat storage.ChatHandle) (CallState, error) {
	bundle, ok := a.users.chat(chat)
	if !ok {
		return "", ErrUnknownChat
	}
	if a.avSession == nil {
		return "", fmt.Errorf("calls: %w", ErrUnimplemented)
	}
	if err := a.avSession.Call(bundle.friend.PublicKey); err != nil {
		return "", err
	}
	a.calls.transition(chat, CallStateOutgoing)
	return CallStateOutgoing, nil
}

func (a *Account) acceptCall(chat storage.ChatHandle) (CallState, error) {
	bundle, ok := a.users.chat(chat)
	if !ok {
		return "", ErrUnknownChat
	}
	if a.calls.state(chat) != CallStateIncoming {
		return "", ErrNoIncomingCall
	}
	if err := a.avSession.Answer(bundle.friend.PublicKey); err != nil {
		return "", err
	}
	a.calls.transition(chat, CallStateActive)
	return CallStateActive, nil
}

func (a *Account) endCall(chat storage.ChatHandle) (CallState, error) {
	bundle, ok := a.users.chat(chat)
	if !ok {
		return "", ErrUnknownChat
	}
	if a.avSession == nil || a.calls.state(chat) == CallStateIdle {
		return CallStateIdle, nil
	}
	if err := a.avSession.End(bundle.friend.PublicKey); err != nil {
		return "", err
	}
	a.calls.transition(chat, CallStateIdle)
	return CallStateIdle, nil
}

func (a *Account) iterate() { a.session.Iterate() }
func (a *Account) iterateAV() { a.avSession.Iterate() }

// stop tears the account down. The savedata write happens first so a
// failing Kill cannot lose friend state.
func (a *Account) stop() {
	a.ticker.Stop()
	if a.avTicker != nil {
		a.avTicker.Stop()
	}
	if err := a.save(); err != nil {
		logrus.WithError(err).WithField("account", a.name).Error("Failed to save account on shutdown")
	}
	if a.avSession != nil {
		a.avSession.Kill()
	}
	a.session.Kill()
	if err := a.store.Close(); err != nil {
		logrus.WithError(err).WithField("account", a.name).Error("Failed to close chat database")
	}
}

// caseKind tags the reflect.Select cases an account contributes to the
// core loop.
type caseKind int

const (
	caseTick caseKind = iota
	caseAVTick
	caseFriendRequest
	caseFriendMessage
	caseStatusChange
	caseNameChange
	caseReceipt
	caseCallEvent
	caseAudioFrame
)

// selectTarget maps a ready select case back to its account and channel.
type selectTarget struct {
	account *Account
	kind    caseKind
}

func recvCase(ch interface{}) reflect.SelectCase {
	return reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)}
}

// selectCases appends this account's event sources to the core loop's
// case list.
func (a *Account) selectCases(cases []reflect.SelectCase, targets []selectTarget) ([]reflect.SelectCase, []selectTarget) {
	add := func(kind caseKind, ch interface{}) {
		cases = append(cases, recvCase(ch))
		targets = append(targets, selectTarget{account: a, kind: kind})
	}

	add(caseTick, a.ticker.C)
	if a.avTicker != nil {
		add(caseAVTick, a.avTicker.C)
	}
	add(caseFriendRequest, a.friendRequests)
	add(caseFriendMessage, a.friendMessages)
	add(caseStatusChange, a.statusChanges)
	add(caseNameChange, a.nameChanges)
	add(caseReceipt, a.receipts)
	add(caseCallEvent, a.callEvents)
	add(caseAudioFrame, a.audioFrames)

	return cases, targets
}

// AccountManager owns the live accounts and hands out process-unique IDs.
type accountManager struct {
	next     AccountID
	accounts map[AccountID]*Account
}

func newAccountManager() *accountManager {
	return &accountManager{next: 1, accounts: make(map[AccountID]*Account)}
}

func (m *accountManager) add(account *Account) AccountID {
	id := m.next
	m.next++
	account.id = id
	m.accounts[id] = account
	return id
}

func (m *accountManager) get(id AccountID) (*Account, error) {
	account, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrUnknownAccount)
	}
	return account, nil
}

// selectCases collects the event sources of every live account.
func (m *accountManager) selectCases(cases []reflect.SelectCase, targets []selectTarget) ([]reflect.SelectCase, []selectTarget) {
	for _, account := range m.accounts {
		cases, targets = account.selectCases(cases, targets)
	}
	return cases, targets
}

func (m *accountManager) stopAll() {
	for _, account := range m.accounts {
		account.stop()
	}
}
