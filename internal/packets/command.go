package packets

import (
	"fmt"
	"strings"

	"github.com/unixthat/beer-project/internal/battleship"
)

// Command is the tagged variant produced by parsing one client line.
// Exactly one of Fire, ChatLine, or Quit is populated.
type Command interface {
	isCommand()
}

// Fire is a shot at a single coordinate.
type Fire struct {
	Row   int
	Col   int
	Coord string
}

// ChatLine is a chat message relayed without consuming the turn.
type ChatLine struct {
	Text string
}

// Quit concedes the match.
type Quit struct{}

func (Fire) isCommand()     {}
func (ChatLine) isCommand() {}
func (Quit) isCommand()     {}

// ParseCommand parses one command line against the grammar
// FIRE <coord> | CHAT <text> | QUIT. boardSize bounds the coordinate check.
func ParseCommand(line string, boardSize int) (Command, error) {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return nil, fmt.Errorf("empty command")
	}

	verb, rest, _ := strings.Cut(raw, " ")
	switch strings.ToUpper(verb) {
	case "CHAT":
		text := strings.TrimSpace(rest)
		if text == "" {
			return nil, fmt.Errorf("CHAT requires a non-empty message")
		}
		return ChatLine{Text: text}, nil
	case "FIRE":
		coord := strings.ToUpper(strings.TrimSpace(rest))
		if coord == "" {
			return nil, fmt.Errorf("FIRE requires a coordinate")
		}
		row, col, err := battleship.ParseCoordinate(coord, boardSize)
		if err != nil {
			return nil, err
		}
		return Fire{Row: row, Col: col, Coord: coord}, nil
	case "QUIT":
		if strings.TrimSpace(rest) != "" {
			return nil, fmt.Errorf("QUIT takes no arguments")
		}
		return Quit{}, nil
	}
	return nil, fmt.Errorf("unknown command %q", verb)
}
