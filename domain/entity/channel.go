package entity

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
)

var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelChat, ChannelVoice}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelChat, ChannelVoice:
		return true
	}
	return false
}

// Message is what a channel collaborator transmits. Subject is optional.
type Message struct {
	IncidentID string
	Severity   int
	Subject    string
	Body       string
}
