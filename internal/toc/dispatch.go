package toc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tocclient/internal/text"
)

// dispatch routes one server payload to its parser. Only fatal errors are
// returned; malformed messages and updates are logged and dropped.
func (c *Client) dispatch(payload string) error {
	tk := text.NewTokenizer(payload, ":")
	command, err := tk.ReadToken()
	if err != nil {
		return nil
	}
	command = strings.ToUpper(command)

	var rest string
	if tk.HasMore() {
		rest, _ = tk.ReadToEnd()
	}

	switch command {
	case "IM_IN", "IM_IN2":
		c.cfg.Metrics.Command(command, true)
		c.handleIM(rest)
	case "ERROR":
		c.cfg.Metrics.Command(command, true)
		return c.handleError(rest)
	case "CONFIG", "CONFIG2":
		c.cfg.Metrics.Command(command, true)
		c.handleConfig(rest)
	case "UPDATE_BUDDY", "UPDATE_BUDDY2":
		c.cfg.Metrics.Command(command, true)
		c.handleUpdate(rest)
	default:
		c.cfg.Metrics.Command(command, false)
		c.logger.Debug("ignored command", "command", command)
	}
	return nil
}

func (c *Client) handleIM(payload string) {
	msg, err := parseIM(payload, c.cfg.Protocol)
	if err != nil {
		c.logger.Warn("dropped malformed message", "err", err)
		return
	}
	msg.Received = time.Now()
	c.cfg.Metrics.Event("message")
	if c.handlers.Message != nil {
		c.handlers.Message(msg)
	}
}

func (c *Client) handleError(payload string) error {
	record, err := parseError(payload)
	if err != nil {
		return err
	}
	c.logger.Info("server warning", "code", record.Code, "arg", record.Arg)
	c.cfg.Metrics.Event("error")
	if c.handlers.Error != nil {
		c.handlers.Error(record)
	}
	return nil
}

func (c *Client) handleConfig(payload string) {
	for _, b := range parseConfig(payload, c.cfg.Protocol) {
		err := c.roster.Add(b)
		if err != nil && !errors.Is(err, ErrRosterConflict) {
			c.logger.Warn("config buddy not synchronized", "buddy", b.ScreenName, "err", err)
		}
	}
	c.cfg.Metrics.Event("config")
	if c.handlers.Config != nil {
		c.handlers.Config()
	}
}

func (c *Client) handleUpdate(payload string) {
	status, err := parseBuddyUpdate(payload)
	if err != nil {
		c.logger.Warn("dropped malformed buddy update", "err", err)
		return
	}
	buddy, ok := c.roster.update(status.ScreenName, status.apply)
	if !ok {
		c.logger.Debug("update for unknown buddy", "buddy", status.ScreenName)
		return
	}
	c.cfg.Metrics.Event("buddy_update")
	if c.handlers.BuddyUpdate != nil {
		c.handlers.BuddyUpdate(buddy)
	}
}

// parseIM decodes "from:auto[:x]:message". TOC2 carries one extra field
// before the message.
func parseIM(payload string, v ProtocolVersion) (Message, error) {
	tk := text.NewTokenizer(payload, ":")

	from, err := tk.ReadToken()
	if err != nil {
		return Message{}, &ProtocolError{Frame: payload, Err: err}
	}
	auto, err := tk.ReadToken()
	if err != nil {
		return Message{}, &ProtocolError{Frame: payload, Err: err}
	}
	if v == TOCv2 {
		if _, err := tk.ReadToken(); err != nil {
			return Message{}, &ProtocolError{Frame: payload, Err: err}
		}
	}

	msg := Message{From: from, AutoResponse: auto == "T"}
	if tk.HasMore() {
		msg.Text, _ = tk.ReadToEnd()
	}
	return msg, nil
}

// buddyStatus is a decoded buddy update, not yet applied to the roster.
type buddyStatus struct {
	ScreenName string
	Online     bool
	EvilAmount int
	SignOnTime time.Time
	IdleTime   time.Duration
	IsOnAOL    bool
	UserClass  UserClass
	Available  bool
}

func (s buddyStatus) apply(b *Buddy) {
	b.ScreenName = s.ScreenName
	b.Online = s.Online
	b.EvilAmount = s.EvilAmount
	b.SignOnTime = s.SignOnTime
	b.IdleTime = s.IdleTime
	b.IsOnAOL = s.IsOnAOL
	b.UserClass = s.UserClass
	b.Available = s.Available
}

// parseBuddyUpdate decodes "name:online:evil:signon:idle:CC[C]" where the
// last field holds the AOL flag, the user class and an optional
// availability flag as single characters.
func parseBuddyUpdate(payload string) (buddyStatus, error) {
	tk := text.NewTokenizer(payload, ":")
	fail := func(err error) (buddyStatus, error) {
		return buddyStatus{}, &ProtocolError{Frame: payload, Err: err}
	}

	var s buddyStatus
	var err error
	var field string

	if s.ScreenName, err = tk.ReadToken(); err != nil {
		return fail(err)
	}
	if field, err = tk.ReadToken(); err != nil {
		return fail(err)
	}
	s.Online = field == "T"

	if field, err = tk.ReadToken(); err != nil {
		return fail(err)
	}
	if s.EvilAmount, err = strconv.Atoi(field); err != nil {
		return fail(fmt.Errorf("evil amount: %w", err))
	}

	if field, err = tk.ReadToken(); err != nil {
		return fail(err)
	}
	epoch, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return fail(fmt.Errorf("signon time: %w", err))
	}
	s.SignOnTime = time.Unix(epoch, 0).UTC()

	if field, err = tk.ReadToken(); err != nil {
		return fail(err)
	}
	idle, err := strconv.Atoi(field)
	if err != nil {
		return fail(fmt.Errorf("idle time: %w", err))
	}
	s.IdleTime = time.Duration(idle) * time.Minute

	aol, err := tk.ReadChar()
	if err != nil {
		return fail(err)
	}
	s.IsOnAOL = aol == 'A'

	class, err := tk.ReadChar()
	if err != nil {
		return fail(err)
	}
	switch class {
	case 'A':
		s.UserClass = Admin
	case 'U':
		s.UserClass = Unconfirmed
	default:
		s.UserClass = Normal
	}

	s.Available = true
	if tk.HasMore() {
		flag, _ := tk.ReadChar()
		s.Available = flag != 'U'
	}
	return s, nil
}

// parseConfig reads the server's buddy list snapshot. Only group ("g") and
// buddy ("b") lines are used; TOC2 puts a separator after the line letter
// and may follow the buddy name with ":alias".
func parseConfig(payload string, v ProtocolVersion) []Buddy {
	var buddies []Buddy
	group := ""

	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			continue
		}
		kind, content := line[0], line[1:]
		if kind != 'g' && kind != 'b' {
			continue
		}
		if v == TOCv2 && content != "" {
			content = content[1:]
		}
		content = strings.TrimSpace(content)

		switch kind {
		case 'g':
			group = content
		case 'b':
			if v == TOCv2 {
				content, _, _ = strings.Cut(content, ":")
			}
			if content != "" {
				buddies = append(buddies, NewBuddy(content, group))
			}
		}
	}
	return buddies
}

// parseError decodes "code:arg". Warnings come back as a record; signon
// failures and anything unrecognized come back as an error.
func parseError(payload string) (*ErrorRecord, error) {
	tk := text.NewTokenizer(payload, ":")
	var code, arg string
	if tk.HasMore() {
		code, _ = tk.ReadToken()
	}
	if tk.HasMore() {
		arg, _ = tk.ReadToken()
	}
	n, _ := strconv.Atoi(code)

	switch code {
	case "901":
		return &ErrorRecord{Code: n, Message: arg + " is not currently available.", Arg: arg}, nil
	case "902":
		return &ErrorRecord{Code: n, Message: "Warning of " + arg + " is not currently available.", Arg: arg}, nil
	case "903":
		return &ErrorRecord{Code: n, Message: "A message has been dropped, you are exceeding the server speed limit", Arg: arg}, nil
	case "980":
		return nil, &SignonError{Code: n, Message: "Incorrect nickname or password.", Arg: arg}
	case "981":
		return nil, &SignonError{Code: n, Message: "The service is temporarily unavailable.", Arg: arg}
	case "982":
		return nil, &SignonError{Code: n, Message: "Your warning level is currently too high to sign on.", Arg: arg}
	case "983":
		return nil, &SignonError{Code: n, Message: "You have been connecting and disconnecting too frequently.  Wait 10 minutes and try again. If you continue to try, you will need to wait even longer.", Arg: arg}
	case "989":
		return nil, &SignonError{Code: n, Message: "An unknown signon error has occurred " + arg, Arg: arg}
	}
	return nil, &ProtocolError{Frame: payload}
}
