package session

import (
	"github.com/onkernel/chat-bridge/lib/domsource"
)

// Notification commands pushed to the consumer.
const (
	NotifyMessage      = "message"
	NotifyReceipt      = "receipt"
	NotifyQR           = "qr"
	NotifyPIN          = "pin"
	NotifyFailure      = "failure"
	NotifyLoginSuccess = "login_success"
	NotifyLoginFailure = "login_failure"
	NotifyLoggedOut    = "logged_out"
)

// Notification is a session-originated push. Sequential notifications must be
// handled by the consumer in the order they were sent.
type Notification struct {
	Command    string
	Fields     map[string]any
	Sequential bool
}

// Notifier receives every notification of a session. Implementations must not
// wait on the consumer; notifications are sent from delivery paths that hold
// ordering locks.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

func messageNotification(msg domsource.Message) Notification {
	return Notification{Command: NotifyMessage, Fields: map[string]any{"message": msg}, Sequential: true}
}

func receiptNotification(r domsource.Receipt) Notification {
	return Notification{Command: NotifyReceipt, Fields: map[string]any{"receipt": r}, Sequential: true}
}
