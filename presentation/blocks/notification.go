package blocks

// Mention is the broadcast a page carries at severity: @channel at 5, @here at 4, none below.
func Mention(severity int) string {
	switch {
	case severity >= 5:
		return "<!channel>"
	case severity == 4:
		return "<!here>"
	default:
		return ""
	}
}

// WithMention prefixes message with the broadcast for severity.
func WithMention(severity int, message string) string {
	if m := Mention(severity); m != "" {
		return m + " " + message
	}
	return message
}
