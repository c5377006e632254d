package flowline

import "context"

// Notifier is the fire-and-forget notification sink invoked after task and
// instance mutations. Delivery failures are logged by callers and never roll
// back the mutation that triggered them.
type Notifier interface {
	NotifyTenant(ctx context.Context, tenantID, event string, payload any) error
	NotifyUser(ctx context.Context, userID, event string, payload any) error
}

// NullNotifier discards all notifications.
type NullNotifier struct{}

// NewNullNotifier creates a notifier that discards everything.
func NewNullNotifier() *NullNotifier {
	return &NullNotifier{}
}

func (n *NullNotifier) NotifyTenant(ctx context.Context, tenantID, event string, payload any) error {
	return nil
}

func (n *NullNotifier) NotifyUser(ctx context.Context, userID, event string, payload any) error {
	return nil
}
