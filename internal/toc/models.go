package toc

import (
	"strconv"
	"time"
)

// ProtocolVersion selects between the TOC1 and TOC2 command dialects.
type ProtocolVersion int

const (
	TOCv1 ProtocolVersion = 1
	TOCv2 ProtocolVersion = 2
)

func (v ProtocolVersion) String() string {
	return "TOC" + strconv.Itoa(int(v))
}

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connected
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case ShuttingDown:
		return "shutting down"
	default:
		return "disconnected"
	}
}

// UserClass is the account class reported in buddy updates.
type UserClass int

const (
	Admin UserClass = iota + 1
	Unconfirmed
	Normal
)

func (u UserClass) String() string {
	switch u {
	case Admin:
		return "admin"
	case Unconfirmed:
		return "unconfirmed"
	default:
		return "normal"
	}
}

// Buddy is one roster entry. Values handed out by the client are copies.
type Buddy struct {
	ScreenName string
	Group      string
	Online     bool
	EvilAmount int
	SignOnTime time.Time
	IdleTime   time.Duration
	IsOnAOL    bool
	UserClass  UserClass
	Available  bool
}

// NewBuddy returns a buddy in group, not yet seen online.
func NewBuddy(screenName, group string) Buddy {
	return Buddy{
		ScreenName: screenName,
		Group:      group,
		UserClass:  Normal,
		Available:  true,
	}
}

// Message is an incoming instant message.
type Message struct {
	From         string
	Text         string
	AutoResponse bool
	Received     time.Time
}

// FrameEvent reports the text of one frame crossing the wire.
type FrameEvent struct {
	Outbound bool
	Text     string
}

// Handlers receives client events. Every field is optional.
//
// Message, Error, Config, BuddyUpdate and Disconnect run on the listener
// goroutine, one at a time; a slow handler delays the next frame. Frame runs
// on whichever goroutine moved the frame. Handlers must not call
// StopListening or SignOff directly.
type Handlers struct {
	Message     func(Message)
	Error       func(*ErrorRecord)
	Config      func()
	BuddyUpdate func(Buddy)
	Disconnect  func(err error)
	Frame       func(FrameEvent)
}
