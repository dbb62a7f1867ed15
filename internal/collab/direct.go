package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"warden/internal/logging"
)

// NextCommandRequest asks for the next shell command of a direct session.
// History interleaves issued commands ("$ cmd" lines) with output tails,
// newest last.
type NextCommandRequest struct {
	SessionID string   `json:"session_id"`
	Task      string   `json:"task"`
	Turn      int      `json:"turn"`
	Budget    int      `json:"budget"`
	History   []string `json:"history,omitempty"`
}

// NextCommand carries one shell command. Completion travels in-band as a
// DONE sentinel inside Command.
type NextCommand struct {
	Command string `json:"command"`
}

// BreakoutRequest reports a detected command loop and asks for a change
// of approach.
type BreakoutRequest struct {
	SessionID  string   `json:"session_id"`
	Task       string   `json:"task"`
	Turn       int      `json:"turn"`
	LoopType   string   `json:"loop_type"`
	Confidence float64  `json:"confidence"`
	Commands   []string `json:"commands"`
}

// Breakout is the suggested replacement command. An empty Command means
// the collaborator has no better idea.
type Breakout struct {
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`
}

// Director supplies commands for supervised direct sessions.
type Director interface {
	NextCommand(ctx context.Context, req NextCommandRequest) (NextCommand, error)
	SuggestBreakout(ctx context.Context, req BreakoutRequest) (Breakout, error)
}

var _ Director = (*CLI)(nil)

// NextCommand asks the collaborator process for the session's next
// command.
func (c *CLI) NextCommand(ctx context.Context, req NextCommandRequest) (NextCommand, error) {
	raw, err := c.call(ctx, "next_command", req)
	if err != nil {
		return NextCommand{}, err
	}
	var nc NextCommand
	if err := json.Unmarshal(raw, &nc); err != nil {
		return NextCommand{}, fmt.Errorf("%w: next command not decodable: %v", ErrProtocol, err)
	}
	nc.Command = strings.TrimSpace(nc.Command)
	if nc.Command == "" {
		return NextCommand{}, fmt.Errorf("%w: next command empty", ErrProtocol)
	}
	logging.DirectDebug("%s turn %d: %s", req.SessionID, req.Turn, nc.Command)
	return nc, nil
}

// SuggestBreakout asks for an alternative after a loop detection.
func (c *CLI) SuggestBreakout(ctx context.Context, req BreakoutRequest) (Breakout, error) {
	raw, err := c.call(ctx, "breakout", req)
	if err != nil {
		return Breakout{}, err
	}
	var bk Breakout
	if err := json.Unmarshal(raw, &bk); err != nil {
		return Breakout{}, fmt.Errorf("%w: breakout not decodable: %v", ErrProtocol, err)
	}
	bk.Command = strings.TrimSpace(bk.Command)
	return bk, nil
}
