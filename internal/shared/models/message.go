package models

type MessageID uint8

const (
	MessageIDHello MessageID = iota
	MessageIDOptions
	MessageIDHave
	MessageIDRequest
	MessageIDData
	MessageIDNoData
	MessageIDDone
	MessageIDTopic
)

func (id MessageID) String() string {
	switch id {
	case MessageIDHello:
		return "hello"
	case MessageIDOptions:
		return "options"
	case MessageIDHave:
		return "have"
	case MessageIDRequest:
		return "request"
	case MessageIDData:
		return "data"
	case MessageIDNoData:
		return "no-data"
	case MessageIDDone:
		return "done"
	case MessageIDTopic:
		return "topic"
	default:
		return "unknown"
	}
}
