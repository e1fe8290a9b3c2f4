package tocks

import (
	"github.com/opd-ai/tocks/storage"
)

// CommandType tags the inbound command union. The names are the wire
// values used by event clients.
type CommandType string

const (
	CommandClose                CommandType = "Close"
	CommandCreateAccount        CommandType = "CreateAccount"
	CommandLogin                CommandType = "Login"
	CommandAddFriendByPublicKey CommandType = "AddFriendByPublicKey"
	CommandRequestFriend        CommandType = "RequestFriend"
	CommandAcceptPendingFriend  CommandType = "AcceptPendingFriend"
	CommandBlockUser            CommandType = "BlockUser"
	CommandPurgeUser            CommandType = "PurgeUser"
	CommandSendMessage          CommandType = "SendMessage"
	CommandLoadMessages         CommandType = "LoadMessages"
	CommandCallFriend           CommandType = "CallFriend"
	CommandAcceptCall           CommandType = "AcceptCall"
	CommandEndCall              CommandType = "EndCall"
	CommandPlaySound            CommandType = "PlaySound"
	CommandPlaySoundRepeating   CommandType = "PlaySoundRepeating"
	CommandStopRepeatingSound   CommandType = "StopRepeatingSound"
)

// Command is an inbound request to mutate application state, from the UI
// or an event client. One JSON object per line on the wire; only the
// fields relevant to Type are set.
//
// Handle fields (account/user/chat) are 1-based so a zero value always
// means "absent".
type Command struct {
	Type CommandType `json:"type"`

	// CreateAccount, Login
	Name        string `json:"name,omitempty"`
	AccountName string `json:"account_name,omitempty"`
	Password    string `json:"password,omitempty"`

	// Account-scoped commands
	Account AccountID          `json:"account,omitempty"`
	User    storage.UserHandle `json:"user,omitempty"`
	Chat    storage.ChatHandle `json:"chat,omitempty"`

	// AddFriendByPublicKey, RequestFriend
	PublicKey string `json:"public_key,omitempty"`
	ToxID     string `json:"tox_id,omitempty"`

	// RequestFriend greeting or SendMessage body
	Message string `json:"message,omitempty"`

	// PlaySound / PlaySoundRepeating payload, opus encoded
	Sound []byte `json:"sound,omitempty"`
}

// NotificationType tags the outbound notification union.
type NotificationType string

const (
	NotificationError                 NotificationType = "Error"
	NotificationAccountListLoaded     NotificationType = "AccountListLoaded"
	NotificationAccountLoggedIn       NotificationType = "AccountLoggedIn"
	NotificationFriendRequestReceived NotificationType = "FriendRequestReceived"
	NotificationFriendAdded           NotificationType = "FriendAdded"
	NotificationFriendRemoved         NotificationType = "FriendRemoved"
	NotificationBlockedUserAdded      NotificationType = "BlockedUserAdded"
	NotificationChatMessageInserted   NotificationType = "ChatMessageInserted"
	NotificationMessagesLoaded        NotificationType = "MessagesLoaded"
	NotificationMessageCompleted      NotificationType = "MessageCompleted"
	NotificationFriendStatusChanged   NotificationType = "FriendStatusChanged"
	NotificationUserNameChanged       NotificationType = "UserNameChanged"
	NotificationChatCallStateChanged  NotificationType = "ChatCallStateChanged"
)

// AccountData describes a logged-in account to observers.
type AccountData struct {
	ID        AccountID          `json:"id"`
	User      storage.UserHandle `json:"user"`
	PublicKey PublicKey          `json:"public_key"`
	ToxID     string             `json:"tox_id"`
	Name      string             `json:"name"`
}

// Notification is an outbound application event, fanned out to the UI and
// every connected event client.
type Notification struct {
	Type NotificationType `json:"type"`

	// Error
	Message string `json:"message,omitempty"`

	// AccountListLoaded
	Accounts []string `json:"accounts,omitempty"`

	// Everything account-scoped
	Account AccountID `json:"account,omitempty"`

	// AccountLoggedIn
	AccountData *AccountData `json:"account_data,omitempty"`

	// FriendRequestReceived
	Request *FriendRequest `json:"request,omitempty"`

	// FriendAdded
	Friend *Friend `json:"friend,omitempty"`

	// FriendRemoved, FriendRequestReceived, FriendStatusChanged,
	// UserNameChanged
	User storage.UserHandle `json:"user,omitempty"`

	// BlockedUserAdded
	BlockedUser *User `json:"blocked_user,omitempty"`

	// Chat-scoped notifications
	Chat storage.ChatHandle `json:"chat,omitempty"`

	// ChatMessageInserted
	Entry *storage.ChatLogEntry `json:"entry,omitempty"`

	// MessagesLoaded
	Entries []storage.ChatLogEntry `json:"entries,omitempty"`

	// MessageCompleted
	MessageID storage.ChatMessageID `json:"message_id,omitempty"`

	// FriendStatusChanged
	Status Status `json:"status,omitempty"`

	// UserNameChanged
	Name string `json:"name,omitempty"`

	// ChatCallStateChanged
	CallState CallState `json:"call_state,omitempty"`
}

func errorNotification(err error) Notification {
	return Notification{Type: NotificationError, Message: err.Error()}
}
