package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tocclient/internal/toc"
)

const (
	defaultGroup       = "Buddies"
	defaultAwayMessage = "I am away from my computer right now."
)

// session is the part of *toc.Client the commands use.
type session interface {
	Send(ctx context.Context, screenName, message string, autoResponse bool) error
	Roster() *toc.Roster
	ScreenName() string
	SetAway(message string) error
	SetBack() error
	SetIdle(idle time.Duration) error
	Warn(screenName string, anonymous bool) error
	Permit(screenNames ...string) error
	Deny(screenNames ...string) error
	SetConfig() error
}

// CommandFunc represents a command handler function
type CommandFunc func(a *App, args []string) error

// App is the user-facing side of a session: it turns input lines into
// client calls and client events into output lines.
type App struct {
	ctx      context.Context
	session  session
	commands map[string]CommandFunc

	mu       sync.Mutex
	peer     string
	output   func(Line)
	onRoster func()
	quit     bool

	lost     chan struct{}
	lostOnce sync.Once
}

func NewApp(ctx context.Context, out func(Line)) *App {
	a := &App{
		ctx:      ctx,
		output:   out,
		onRoster: func() {},
		lost:     make(chan struct{}),
	}
	a.registerCommands()
	return a
}

func (a *App) registerCommands() {
	a.commands = map[string]CommandFunc{
		"help": func(a *App, args []string) error {
			for _, line := range strings.Split(strings.TrimSpace(helpText), "\n") {
				a.system(line)
			}
			return nil
		},

		"msg": func(a *App, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("usage: /msg <screen name> <message>")
			}
			a.setPeer(args[0])
			return a.send(args[0], strings.Join(args[1:], " "))
		},

		"add": func(a *App, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: /add <screen name> [group]")
			}
			group := defaultGroup
			if len(args) > 1 {
				group = strings.Join(args[1:], " ")
			}
			err := a.session.Roster().Add(toc.NewBuddy(args[0], group))
			a.rosterChanged()
			if err != nil {
				return err
			}
			a.system(fmt.Sprintf("added %s to %s", args[0], group))
			return nil
		},

		"remove": func(a *App, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: /remove <screen name>")
			}
			err := a.session.Roster().Remove(args[0])
			a.rosterChanged()
			if err != nil {
				return err
			}
			a.system(fmt.Sprintf("removed %s", args[0]))
			return nil
		},

		"buddies": func(a *App, args []string) error {
			buddies := a.session.Roster().Buddies()
			sort.SliceStable(buddies, func(i, j int) bool {
				return buddies[i].Group < buddies[j].Group
			})
			a.system(fmt.Sprintf("Buddies (%d):", len(buddies)))
			for _, b := range buddies {
				a.system(fmt.Sprintf("  %s (%s) %s", b.ScreenName, b.Group, buddyStatus(b)))
			}
			return nil
		},

		"away": func(a *App, args []string) error {
			message := defaultAwayMessage
			if len(args) > 0 {
				message = strings.Join(args, " ")
			}
			if err := a.session.SetAway(message); err != nil {
				return err
			}
			a.system("away: " + message)
			return nil
		},

		"back": func(a *App, args []string) error {
			if err := a.session.SetBack(); err != nil {
				return err
			}
			a.system("you are back")
			return nil
		},

		"idle": func(a *App, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: /idle <seconds>")
			}
			secs, err := strconv.Atoi(args[0])
			if err != nil || secs < 0 {
				return fmt.Errorf("invalid idle time: %s", args[0])
			}
			return a.session.SetIdle(time.Duration(secs) * time.Second)
		},

		"warn": func(a *App, args []string) error {
			if len(args) < 1 || len(args) > 2 || (len(args) == 2 && args[1] != "anon") {
				return fmt.Errorf("usage: /warn <screen name> [anon]")
			}
			return a.session.Warn(args[0], len(args) == 2)
		},

		"permit": func(a *App, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: /permit <screen name>...")
			}
			return a.session.Permit(args...)
		},

		"deny": func(a *App, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: /deny <screen name>...")
			}
			return a.session.Deny(args...)
		},

		"save": func(a *App, args []string) error {
			if err := a.session.SetConfig(); err != nil {
				return err
			}
			a.system("buddy list saved")
			return nil
		},

		"quit": func(a *App, args []string) error {
			a.mu.Lock()
			a.quit = true
			a.mu.Unlock()
			return nil
		},
	}
}

const helpText = `
Commands:
/msg <sn> <message>   - Send an instant message
/add <sn> [group]     - Add a buddy
/remove <sn>          - Remove a buddy
/buddies              - List the buddy list
/away [message]       - Set an away message
/back                 - Clear the away message
/idle <seconds>       - Report idle time
/warn <sn> [anon]     - Warn a user
/permit <sn>...       - Allow only these users
/deny <sn>...         - Block these users
/save                 - Store the buddy list on the server
/help                 - Show this help
/quit                 - Sign off and exit
Text without a command goes to the last conversation.`

// handleInput runs one line of user input and reports whether the user
// asked to quit.
func (a *App) handleInput(input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return false
	}

	if !strings.HasPrefix(input, "/") {
		peer := a.peerName()
		if peer == "" {
			a.print(Line{Kind: LineError, Content: "no conversation yet, use /msg <screen name> <message>"})
			return false
		}
		if err := a.send(peer, input); err != nil {
			a.print(Line{Kind: LineError, Content: err.Error()})
		}
		return false
	}

	parts := strings.Fields(input)
	command := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	args := parts[1:]

	handler, exists := a.commands[command]
	if !exists {
		a.print(Line{Kind: LineError, Content: "Unknown command. Type /help for available commands."})
		return false
	}

	if err := handler(a, args); err != nil {
		a.print(Line{Kind: LineError, Content: err.Error()})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quit
}

var errConnectionLost = errors.New("connection lost")

// process runs input lines one at a time, in order, until /quit, the end of
// lines or ctx is done. It returns errConnectionLost if lost closes first.
func (a *App) process(ctx context.Context, lines <-chan string, lost <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return errConnectionLost
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if a.handleInput(line) {
				return nil
			}
		}
	}
}

func (a *App) send(to, message string) error {
	if err := a.session.Send(a.ctx, to, message, false); err != nil {
		return err
	}
	a.print(Line{Kind: LineOutgoing, To: to, Content: message})
	return nil
}

func (a *App) system(content string) {
	a.print(Line{Kind: LineSystem, Content: content})
}

func (a *App) print(l Line) {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	a.mu.Lock()
	out := a.output
	a.mu.Unlock()
	out(l)
}

// setOutput redirects output lines and roster refreshes, for the UI.
func (a *App) setOutput(out func(Line), onRoster func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output = out
	a.onRoster = onRoster
}

func (a *App) rosterChanged() {
	a.mu.Lock()
	fn := a.onRoster
	a.mu.Unlock()
	fn()
}

func (a *App) setPeer(screenName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peer = screenName
}

func (a *App) peerName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peer
}

func (a *App) disconnected() {
	a.lostOnce.Do(func() { close(a.lost) })
}

// Lost is closed when the TOC connection drops.
func (a *App) Lost() <-chan struct{} {
	return a.lost
}
