package notify

import "context"

// Delivery is the outcome of a single send attempt. Failures are values, not
// errors: one bad recipient must never abort delivery to the rest.
type Delivery struct {
	Success    bool
	MessageRef string
	Err        string
}

// Failed builds a failed Delivery from an error.
func Failed(err error) Delivery {
	return Delivery{Err: err.Error()}
}

// Notifier delivers a rendered message to a subscriber over one channel.
// Message content is opaque to the notifier; callers do the formatting.
type Notifier interface {
	Send(ctx context.Context, subscriberID, text string) Delivery
}
