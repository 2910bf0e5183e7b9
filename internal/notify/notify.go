package notify

import "fmt"

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title      string
	Message    string
	Type       NotificationType
	TaskID     int64 // optional task reference
	DecisionID int64 // optional decision reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// Escalation builds the alert sent when a task exhausts its retry budget
// and needs a human decision.
func Escalation(taskID, decisionID int64, question string) Notification {
	return Notification{
		Title:      fmt.Sprintf("Task %d needs a decision", taskID),
		Message:    question,
		Type:       NotifyError,
		TaskID:     taskID,
		DecisionID: decisionID,
	}
}
