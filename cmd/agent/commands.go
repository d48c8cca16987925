package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dkeye/Office/internal/domain"
	"github.com/dkeye/Office/internal/media"
)

var errQuit = errors.New("quit")

type mover interface {
	Move(domain.Position) error
}

type controller interface {
	mover
	SetVoice(ctx context.Context, on bool) error
	ToggleMute() bool
	Invite(domain.PeerID) error
	Accept(domain.PeerID) error
	Reject(domain.PeerID) error
	End(domain.PeerID) error
	Participants() ([]domain.Participant, error)
	Sessions() ([]media.Session, error)
	Speaking() []domain.PeerID
}

const usage = `commands:
  move X Y            walk to X,Y
  voice on|off        toggle capture
  mute                toggle mute
  invite|accept|reject|end ID
  who                 list participants
  sessions            list media sessions
  quit`

// commandLoop reads commands from r until ctx is done, r ends or quit.
func commandLoop(ctx context.Context, a controller, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := execute(ctx, a, line, w); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintln(w, "error:", err)
			}
		}
	}
}

func execute(ctx context.Context, a controller, line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "move":
		if len(args) != 2 {
			return fmt.Errorf("usage: move X Y")
		}
		pos, err := parsePoint(args[0], args[1])
		if err != nil {
			return err
		}
		return a.Move(pos)
	case "voice":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return fmt.Errorf("usage: voice on|off")
		}
		return a.SetVoice(ctx, args[0] == "on")
	case "mute":
		fmt.Fprintf(w, "muted: %v\n", a.ToggleMute())
		return nil
	case "invite", "accept", "reject", "end":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s ID", cmd)
		}
		peer := domain.PeerID(args[0])
		switch cmd {
		case "invite":
			return a.Invite(peer)
		case "accept":
			return a.Accept(peer)
		case "reject":
			return a.Reject(peer)
		default:
			return a.End(peer)
		}
	case "who":
		ps, err := a.Participants()
		if err != nil {
			return err
		}
		speaking := make(map[domain.PeerID]bool)
		for _, id := range a.Speaking() {
			speaking[id] = true
		}
		for _, p := range ps {
			mark := ""
			if speaking[p.ID] {
				mark = " (speaking)"
			}
			fmt.Fprintf(w, "%s %s at %.1f,%.1f voice=%v%s\n", p.ID, p.Username, p.Position.X, p.Position.Y, p.VoiceEnabled, mark)
		}
		return nil
	case "sessions":
		ss, err := a.Sessions()
		if err != nil {
			return err
		}
		for _, s := range ss {
			fmt.Fprintf(w, "%s %s %s [%s] gain=%.2f\n", s.PeerID, s.Role, s.State, s.Purposes, s.CurrentGain)
		}
		return nil
	case "help":
		fmt.Fprintln(w, usage)
		return nil
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func parsePoint(xs, ys string) (domain.Position, error) {
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad x %q", xs)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad y %q", ys)
	}
	return domain.Position{X: x, Y: y}, nil
}

// parsePath reads "x,y;x,y;...". An empty string is no path.
func parsePath(s string) ([]domain.Position, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []domain.Position
	for _, step := range strings.Split(s, ";") {
		if strings.TrimSpace(step) == "" {
			continue
		}
		xy := strings.Split(step, ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("bad path step %q", step)
		}
		p, err := parsePoint(xy[0], xy[1])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
