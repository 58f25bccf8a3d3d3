// ui.go
package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/jroimartin/gocui"
)

type ChatUI struct {
	gui        *gocui.Gui
	app        *App
	msgView    string
	inputView  string
	statusView string
	buddyView  string
	helpView   string
	activeView string
	showHelp   bool
	lines      chan string
}

func NewChatUI(app *App) (*ChatUI, error) {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, err
	}

	ui := &ChatUI{
		gui:        g,
		app:        app,
		msgView:    "messages",
		inputView:  "input",
		statusView: "status",
		buddyView:  "buddies",
		helpView:   "help",
		activeView: "input",
		lines:      make(chan string, 64),
	}

	g.SetManagerFunc(ui.layout)
	app.setOutput(ui.appendLine, ui.updateBuddies)
	return ui, nil
}

func (ui *ChatUI) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	sidebarWidth := 24
	msgWidth := maxX - sidebarWidth - 1
	msgHeight := maxY - 7

	// Messages view
	if v, err := g.SetView(ui.msgView, 0, 0, msgWidth, msgHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Messages"
		v.Wrap = true
		v.Autoscroll = true
	}

	// Buddy list
	if v, err := g.SetView(ui.buddyView, msgWidth+1, 0, maxX-1, msgHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Buddies"
		v.Wrap = true
		ui.updateBuddies()
	}

	// Status bar
	if v, err := g.SetView(ui.statusView, 0, msgHeight+1, maxX-1, msgHeight+3); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Status"
		v.Wrap = true
		ui.updateStatus(fmt.Sprintf("Signed on as %s | Ctrl-H: Help", ui.app.session.ScreenName()))
	}

	// Input field
	if v, err := g.SetView(ui.inputView, 0, msgHeight+4, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Input"
		v.Editable = true
		v.Wrap = true

		if _, err := g.SetCurrentView(ui.inputView); err != nil {
			return err
		}
	}

	// Help window
	if ui.showHelp {
		helpX1 := maxX / 6
		helpY1 := maxY / 6
		helpX2 := maxX * 5 / 6
		helpY2 := maxY * 5 / 6
		if v, err := g.SetView(ui.helpView, helpX1, helpY1, helpX2, helpY2); err != nil {
			if err != gocui.ErrUnknownView {
				return err
			}
			v.Title = "Help"
			fmt.Fprintln(v, helpText+`

Keybindings:
Ctrl-C                - Quit
Ctrl-H                - Toggle help
Tab                   - Switch views
Enter                 - Send`)
		}
	} else if err := g.DeleteView(ui.helpView); err != nil && err != gocui.ErrUnknownView {
		return err
	}

	return nil
}

func (ui *ChatUI) appendLine(l Line) {
	ui.gui.Update(func(g *gocui.Gui) error {
		v, err := g.View(ui.msgView)
		if err != nil {
			return err
		}
		fmt.Fprintln(v, formatLine(l))
		return nil
	})
}

func (ui *ChatUI) updateBuddies() {
	ui.gui.Update(func(g *gocui.Gui) error {
		v, err := g.View(ui.buddyView)
		if err != nil {
			return err
		}
		v.Clear()

		buddies := ui.app.session.Roster().Buddies()
		sort.SliceStable(buddies, func(i, j int) bool {
			return buddies[i].Group < buddies[j].Group
		})
		group := ""
		for i, b := range buddies {
			if i == 0 || b.Group != group {
				group = b.Group
				fmt.Fprintf(v, "%s\n", group)
			}
			prefix := "  "
			if b.Online {
				prefix = "* "
			}
			fmt.Fprintf(v, "%s%s (%s)\n", prefix, b.ScreenName, buddyStatus(b))
		}
		return nil
	})
}

func (ui *ChatUI) updateStatus(status string) {
	ui.gui.Update(func(g *gocui.Gui) error {
		v, err := g.View(ui.statusView)
		if err != nil {
			return err
		}
		v.Clear()
		fmt.Fprint(v, status)
		return nil
	})
}

func (ui *ChatUI) keybindings() error {
	// Quit
	if err := ui.gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone,
		func(g *gocui.Gui, _ *gocui.View) error {
			return gocui.ErrQuit
		}); err != nil {
		return err
	}

	// Toggle help
	if err := ui.gui.SetKeybinding("", gocui.KeyCtrlH, gocui.ModNone,
		func(_ *gocui.Gui, _ *gocui.View) error {
			ui.showHelp = !ui.showHelp
			return nil
		}); err != nil {
		return err
	}

	// Send message
	if err := ui.gui.SetKeybinding(ui.inputView, gocui.KeyEnter, gocui.ModNone,
		ui.handleInput); err != nil {
		return err
	}

	// Switch views
	if err := ui.gui.SetKeybinding("", gocui.KeyTab, gocui.ModNone,
		func(g *gocui.Gui, v *gocui.View) error {
			nextView := map[string]string{
				ui.msgView:   ui.buddyView,
				ui.buddyView: ui.inputView,
				ui.inputView: ui.msgView,
			}
			if next, ok := nextView[v.Name()]; ok {
				ui.activeView = next
				_, err := g.SetCurrentView(next)
				return err
			}
			return nil
		}); err != nil {
		return err
	}

	return nil
}

func (ui *ChatUI) handleInput(_ *gocui.Gui, v *gocui.View) error {
	input := v.Buffer()
	v.Clear()
	v.SetCursor(0, 0)

	// Sends can wait on the throttle, so the input worker runs them off
	// the UI loop, in the order typed.
	select {
	case ui.lines <- input:
	default:
		ui.updateStatus("Busy, input dropped | Ctrl-H: Help")
	}
	return nil
}

func (ui *ChatUI) Run(ctx context.Context) error {
	if err := ui.keybindings(); err != nil {
		return err
	}

	go func() {
		ui.app.process(ctx, ui.lines, nil)
		ui.gui.Update(func(*gocui.Gui) error {
			return gocui.ErrQuit
		})
	}()

	go func() {
		<-ui.app.Lost()
		ui.updateStatus("Disconnected | Ctrl-C: Quit")
	}()

	if err := ui.gui.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}

	return nil
}

func (ui *ChatUI) Close() {
	ui.gui.Close()
}

// RunWithUI runs the terminal UI until the user quits.
func RunWithUI(ctx context.Context, app *App) error {
	ui, err := NewChatUI(app)
	if err != nil {
		return err
	}
	defer ui.Close()

	return ui.Run(ctx)
}
