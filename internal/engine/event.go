package engine

// EventType names an inbound player action.
type EventType string

const (
	// EventStart is the first-contact greeting command.
	EventStart EventType = "start"
	// EventHelp asks for the command reference.
	EventHelp EventType = "help"
	// EventListStories asks for the story catalogue.
	EventListStories EventType = "stories"
	// EventSelectStory picks a story to play (TargetID = story).
	EventSelectStory EventType = "select_story"
	// EventSelectAgent picks a character to question (TargetID = agent).
	EventSelectAgent EventType = "select_agent"
	// EventText is free text: a question while talking, a verdict while
	// typing one.
	EventText EventType = "text"
	// EventBack returns to the character list.
	EventBack EventType = "back"
	// EventVerdict asks to submit a verdict.
	EventVerdict EventType = "verdict"
	// EventQuit abandons the active run.
	EventQuit EventType = "quit"
)

// Event is one inbound action by one player. PlayerID is the serialization
// key: events sharing it are processed strictly in arrival order.
type Event struct {
	PlayerID string
	Username string
	Type     EventType
	TargetID int64
	Text     string
}

// Choice is one button the transport renders for a selection prompt.
type Choice struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}
