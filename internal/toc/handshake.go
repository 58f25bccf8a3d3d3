package toc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	flapOn   = "FLAPON\r\n\r\n"
	language = "english"
	version  = "TIC:Fluent.Toc"
)

type handshakeState int

const (
	stateIdle handshakeState = iota
	stateOpening
	statePreambleSent
	stateSignOnFrameSent
	stateAuthFrameSent
	stateAwaitingAuthReply
	stateBuddyInit
	stateCapsSent
	stateEstablished
	stateFailed
)

var handshakeStateNames = [...]string{
	"idle",
	"opening",
	"preamble sent",
	"signon frame sent",
	"auth frame sent",
	"awaiting auth reply",
	"buddy init",
	"caps sent",
	"established",
	"failed",
}

func (s handshakeState) String() string {
	if int(s) < len(handshakeStateNames) {
		return handshakeStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// handshake drives one signon attempt. It is linear: any failure closes
// the connection and ends the attempt.
type handshake struct {
	cfg        Config
	caps       *Capabilities
	logger     *slog.Logger
	onFrame    func(FrameEvent)
	screenName string
	password   string

	state handshakeState
}

func (h *handshake) advance(s handshakeState) {
	h.logger.Debug("signon", "from", h.state.String(), "to", s.String())
	h.state = s
}

func (h *handshake) run(ctx context.Context) (_ *conn, err error) {
	h.advance(stateOpening)
	nc, err := dial(ctx, h.cfg.TocHost, h.cfg.TocPort, h.logger)
	if err != nil {
		h.advance(stateFailed)
		return nil, fmt.Errorf("toc: connect: %w", err)
	}
	cn := newConn(nc, h.logger, h.cfg.Metrics, h.onFrame)

	// Cancelling ctx unblocks any read or write below.
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		if err != nil {
			h.advance(stateFailed)
			cn.close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = fmt.Errorf("%w: %w", ctxErr, err)
			}
		}
	}()

	if err = cn.writeRaw(flapOn); err != nil {
		return nil, err
	}
	h.advance(statePreambleSent)

	if _, err = h.readFrame(cn); err != nil {
		return nil, err
	}

	name := Normalize(h.screenName)
	if err = cn.writeSignOn(name); err != nil {
		return nil, err
	}
	h.advance(stateSignOnFrameSent)

	signon := fmt.Sprintf(`toc2_signon %s %d %s %s %s "%s" 160 %d`,
		h.cfg.AuthHost,
		h.cfg.AuthPort,
		name,
		RoastPassword(h.password),
		language,
		version,
		AuthCode(name, h.password),
	)
	if err = cn.writeData(signon); err != nil {
		return nil, err
	}
	h.advance(stateAuthFrameSent)

	h.advance(stateAwaitingAuthReply)
	reply, err := h.readFrame(cn)
	if err != nil {
		return nil, err
	}
	if isErrorFrame(reply) {
		_, detail, _ := strings.Cut(reply, ":")
		record, perr := parseError(detail)
		if perr != nil {
			return nil, perr
		}
		return nil, record
	}
	h.logger.Debug("signon accepted", "reply", reply)

	h.advance(stateBuddyInit)
	if err = cn.writeData("toc_add_buddy " + name); err != nil {
		return nil, err
	}
	if err = cn.writeData("toc_init_done"); err != nil {
		return nil, err
	}

	if caps := h.caps.command(); caps != "" {
		if err = cn.writeData(caps); err != nil {
			return nil, err
		}
	}
	h.advance(stateCapsSent)

	if !stop() {
		err = fmt.Errorf("toc: signon interrupted")
		return nil, err
	}
	h.advance(stateEstablished)
	return cn, nil
}

// readFrame returns the next whole frame, skipping stray bytes.
func (h *handshake) readFrame(cn *conn) (string, error) {
	for {
		text, ok, err := cn.readFrame()
		if err != nil {
			return "", err
		}
		if ok {
			return text, nil
		}
	}
}

func isErrorFrame(text string) bool {
	return len(text) >= 5 && strings.EqualFold(text[:5], "ERROR")
}
