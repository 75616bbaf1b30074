package channel

import (
	"fmt"

	"github.com/yourusername/flowgate/notifier"
)

// Key derives the canonical channel key from a subscription descriptor.
// Two logical subscription requests with the same key always share one
// physical subscription.
func Key(sub notifier.Subscription) string {
	return fmt.Sprintf("%s|%s.%s|%s|presence=%t",
		sub.Channel, sub.SchemaOrDefault(), sub.Table, sub.Filter, sub.Presence)
}
