package chat

import "strings"

// PairKey returns the conversation key for two participants. The result does
// not depend on argument order.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, "-")
}
