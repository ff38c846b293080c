package errors

// userMessages maps each kind to the human-readable message surfaced in the
// session transcript. Keyed by kind so every caller renders failures the
// same way.
var userMessages = map[Kind]string{
	KindNetwork:    "You appear to be offline. Check your connection and try again.",
	KindTimeout:    "The game master is taking too long to respond. Try again in a moment.",
	KindAuth:       "Your session has expired. Please sign in again.",
	KindValidation: "That action could not be understood. Adjust your input and resubmit.",
	KindServer:     "The story service hit a snag on its end. Try again shortly.",
	KindUnknown:    "Something unexpected went wrong. Try again, and report it if it keeps happening.",
}

// UserMessage returns the display message for a failure kind.
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}
