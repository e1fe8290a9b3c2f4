// Package tocks is the headless core of a Tox chat client: it owns the
// logged-in accounts, persists chat history per account, and exposes all
// state changes as a single notification stream driven by a single command
// stream. Everything runs on one goroutine; fan-in over the dynamic set of
// account event sources happens through reflect.Select.
package tocks

import (
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tocks/audio"
	"github.com/opd-ai/tocks/storage"
)

// Tocks is the application core. Construct with New, then call Run on a
// dedicated goroutine; it returns when a Close command arrives or the
// command channel is closed, after which the notification channel is
// closed too.
type Tocks struct {
	dirs     Dirs
	accounts *accountManager

	audio     *audio.Manager
	repeating *audio.RepeatingSound

	commands      <-chan Command
	notifications chan<- Notification
}

// New wires the core to its channels. The audio device may be nil for
// headless operation.
func New(dirs Dirs, device audio.OutputDevice, commands <-chan Command, notifications chan<- Notification) *Tocks {
	return &Tocks{
		dirs:          dirs,
		accounts:      newAccountManager(),
		audio:         audio.NewManager(device),
		commands:      commands,
		notifications: notifications,
	}
}

// Run drives the core until shutdown. The first notification is always the
// saved account list so a fresh client can offer a login choice.
func (t *Tocks) Run() {
	defer t.shutdown()

	accounts, err := retrieveAccountList(t.dirs.SaveDir)
	if err != nil {
		logrus.WithError(err).Error("Failed to list saved accounts")
	}
	t.notify(Notification{Type: NotificationAccountListLoaded, Accounts: accounts})

	for !t.step() {
	}
}

func (t *Tocks) shutdown() {
	if t.repeating != nil {
		t.repeating.Stop()
	}
	t.accounts.stopAll()
	if err := t.audio.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close audio device")
	}
	close(t.notifications)
	logrus.Info("Core stopped")
}

func (t *Tocks) notify(notification Notification) {
	t.notifications <- notification
}

// step waits for exactly one event across the command channel and every
// account's event sources and handles it. Returns true on shutdown.
func (t *Tocks) step() bool {
	cases := make([]reflect.SelectCase, 0, 1+len(t.accounts.accounts)*9)
	targets := make([]selectTarget, 0, cap(cases))

	cases = append(cases, recvCase(t.commands))
	targets = append(targets, selectTarget{})

	cases, targets = t.accounts.selectCases(cases, targets)

	chosen, value, ok := reflect.Select(cases)
	if chosen == 0 {
		if !ok {
			logrus.Info("Command channel closed, shutting down")
			return true
		}
		command := value.Interface().(Command)
		if command.Type == CommandClose {
			return true
		}
		if err := t.handleCommand(command); err != nil {
			logrus.WithFields(logrus.Fields{
				"command": command.Type,
				"error":   err,
			}).Error("Command failed")
			t.notify(errorNotification(err))
		}
		return false
	}

	if ok {
		t.handleAccountEvent(targets[chosen], value)
	}
	return false
}

func (t *Tocks) handleCommand(command Command) error {
	switch command.Type {
	case CommandCreateAccount:
		return t.addAccount(createAccount(t.dirs, command.Name, command.Password))

	case CommandLogin:
		return t.addAccount(loginAccount(t.dirs, command.AccountName, command.Password))

	case CommandAddFriendByPublicKey:
		account, err := t.accounts.get(command.Account)
		if err != nil {
			return err
		}
		key, err := PublicKeyFromHex(command.PublicKey)
		if err != nil {
			return err
		}
		friend, err := account.addFriendByPublicKey(key)
		if err != nil {
			return err
		}
		t.notify(Notification{
			Type:    NotificationFriendAdded,
			Account: account.id,
			Friend:  &friend,
		})
		return nil

	case CommandRequestFriend:
		return fmt.Errorf("outgoing friend requests: %w", ErrUnimplemented)

	case CommandAcceptPendingFriend:
		account, err := t.accounts.get(command.Account)
		if err != nil {
			return err
		}
		friend, err := account.acceptPendingFriend(command.User)
		if err != nil {
			return err
		}
		t.notify(Notification{
			Type:    NotificationFriendStatusChanged,
			Account: account.id,
			User:    friend.User,
			Status:  friend.Status,
		})
		return nil

	case CommandBlockUser:
		account, err := t.accounts.get(command.Account)
		if err != nil {
			return err
		}
		blocked, err := account.removeFriend(command.User)
		if err != nil {
			return err
		}
		t.notify(Notification{
			Type:    NotificationFriendRemoved,
			Account: account.id,
			User:    command.User,
		})
		t.notify(Notification{
			Type:        NotificationBlockedUserAdded,
			Account:     account.id,
			BlockedUser: &blocked,
		})
		return nil

	case CommandPurgeUser:
		account, err := t.accounts.get(command.Account)
		if err != nil {
			return err
		}
		if _, err := account.removeFriend(command.User); err != nil {
			return err
		}
		t.notify(Notification{
			Type:    NotificationFriendRemoved,
			Account: account.id,
			User:    command.User,
		})
		return nil

	case CommandSendMessage:
		account, err := t.accounts.get(command.Account)
		if err != nil {
			return err
		}
		entries, err := account.sendMessage(command.Chat, storage.Message{
			Kind: storage.MessageNormal,
			Text: command.Message,
		})
		for i := range entries {
			t.notify(Notification{
				Type:    NotificationChatMessageInserted,
				Account: account.id,
				Chat:    command.Chat,
				Entry:   &entries[i],
			})
		}
		return err

	case CommandLoadMessages:
		account, err := t.accounts.get(command.Account)
		if err != nil {
			return err
		}
		entries, err := account.loadMessages(command.Chat)
		if err != nil {
			return err
		}
		t.notify(Notification{
			Type:    NotificationMessagesLoaded,
			Account: account.id,
			Chat:    command.Chat,
			Entries: entries,
		})
		return nil

	case CommandCallFriend:
		return t.callControl(command, (*Account).callFriend)

	case CommandAcceptCall:
		return t.callControl(command, (*Account).acceptCall)

	case CommandEndCall:
		return t.callControl(command, (*Account).endCall)

	case CommandPlaySound:
		return t.audio.PlaySound(command.Sound)

	case CommandPlaySoundRepeating:
		handle, err := t.audio.PlayRepeating(command.Sound)
		if err != nil {
			return err
		}
		if t.repeating != nil {
			t.repeating.Stop()
		}
		t.repeating = handle
		return nil

	case CommandStopRepeatingSound:
		if t.repeating != nil {
			t.repeating.Stop()
			t.repeating = nil
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", command.Type)
	}
}

// addAccount registers a freshly created or restored account and announces
// it together with its friend list, pending friends included.
func (t *Tocks) addAccount(account *Account, err error) error {
	if err != nil {
		return err
	}

	id := t.accounts.add(account)
	data := account.data()

	logrus.WithFields(logrus.Fields{
		"account": id,
		"name":    account.name,
	}).Info("Account logged in")

	t.notify(Notification{
		Type:        NotificationAccountLoggedIn,
		Account:     id,
		AccountData: &data,
	})

	for _, friend := range account.friends() {
		friend := friend
		t.notify(Notification{
			Type:    NotificationFriendAdded,
			Account: id,
			Friend:  &friend,
		})
	}
	return nil
}

func (t *Tocks) callControl(command Command, operation func(*Account, storage.ChatHandle) (CallState, error)) error {
	account, err := t.accounts.get(command.Account)
	if err != nil {
		return err
	}
	state, err := operation(account, command.Chat)
	if err != nil {
		return err
	}
	t.notify(Notification{
		Type:      NotificationChatCallStateChanged,
		Account:   account.id,
		Chat:      command.Chat,
		CallState: state,
	})
	return nil
}

func (t *Tocks) handleAccountEvent(target selectTarget, value reflect.Value) {
	account := target.account

	switch target.kind {
	case caseTick:
		account.iterate()

	case caseAVTick:
		account.iterateAV()

	case caseFriendRequest:
		request := value.Interface().(FriendRequest)
		friend, fresh, err := account.handleFriendRequest(request)
		if err != nil {
			t.notify(errorNotification(err))
			return
		}
		if !fresh {
			return
		}
		t.notify(Notification{
			Type:    NotificationFriendAdded,
			Account: account.id,
			Friend:  &friend,
		})
		t.notify(Notification{
			Type:    NotificationFriendRequestReceived,
			Account: account.id,
			User:    friend.User,
			Request: &request,
		})

	case caseFriendMessage:
		event := value.Interface().(friendMessage)
		chat, entry, err := account.handleFriendMessage(event)
		if err != nil {
			t.notify(errorNotification(err))
			return
		}
		t.notify(Notification{
			Type:    NotificationChatMessageInserted,
			Account: account.id,
			Chat:    chat,
			Entry:   &entry,
		})

	case caseStatusChange:
		event := value.Interface().(statusChange)
		if user, status, changed := account.handleStatusChange(event); changed {
			t.notify(Notification{
				Type:    NotificationFriendStatusChanged,
				Account: account.id,
				User:    user,
				Status:  status,
			})
		}

	case caseNameChange:
		event := value.Interface().(nameChange)
		if user, changed := account.handleNameChange(event); changed {
			t.notify(Notification{
				Type:    NotificationUserNameChanged,
				Account: account.id,
				User:    user,
				Name:    event.name,
			})
		}

	case caseReceipt:
		receipt := value.Interface().(Receipt)
		if target, resolved := account.handleReceipt(receipt); resolved {
			t.notify(Notification{
				Type:      NotificationMessageCompleted,
				Account:   account.id,
				Chat:      target.chat,
				MessageID: target.message,
			})
		}

	case caseCallEvent:
		event := value.Interface().(callEvent)
		if chat, state, changed := account.handleCallEvent(event); changed {
			t.notify(Notification{
				Type:      NotificationChatCallStateChanged,
				Account:   account.id,
				Chat:      chat,
				CallState: state,
			})
		}

	case caseAudioFrame:
		event := value.Interface().(audioFrameEvent)
		if err := t.audio.PlayFrame(event.frame); err != nil {
			logrus.WithError(err).Warn("Failed to play call audio")
		}
	}
}
