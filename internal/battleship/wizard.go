package battleship

import (
	"fmt"
	"strings"
	"time"
)

// Placer is the subset of Board the placement wizard drives. The match
// session talks to the rules engine only through interfaces like this one.
type Placer interface {
	Reset()
	Size() int
	PlaceShipsRandomly(fleet []ShipSpec)
	PlaceShip(row, col int, spec ShipSpec, orientation int) bool
	RenderSelf() []string
}

// WizardIO is the narrow I/O surface the placement wizard needs from its
// caller. Recv blocks until one line arrives or the deadline passes; Notify
// and SendGrid are best-effort writes to the placing player.
type WizardIO struct {
	Recv        func(deadline time.Time) (string, error)
	Notify      func(text string)
	SendGrid    func(rows []string)
	ShipTimeout time.Duration
}

// RunWizard walks one player through ship placement. The player is first
// offered manual placement; declining (or an empty answer) places the fleet
// randomly. Each ship gets a fresh ShipTimeout; invalid input repeats the
// ship without resetting it. Returns an error only when the transport dies
// or a per-ship deadline expires.
func RunWizard(board Placer, fleet []ShipSpec, io WizardIO) error {
	io.Notify("Manual placement? [y/N]")
	answer, err := io.Recv(time.Now().Add(io.ShipTimeout))
	if err != nil {
		return fmt.Errorf("placement preference: %w", err)
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "Y") {
		board.PlaceShipsRandomly(fleet)
		return nil
	}

	board.Reset()
	for _, spec := range fleet {
		deadline := time.Now().Add(io.ShipTimeout)
		for {
			io.SendGrid(board.RenderSelf())
			io.Notify(fmt.Sprintf("Place %s (size %d) - <coord> [H|V]", spec.Name, spec.Size))

			line, err := io.Recv(deadline)
			if err != nil {
				return fmt.Errorf("placing %s: %w", spec.Name, err)
			}
			parts := strings.Fields(strings.ToUpper(strings.TrimSpace(line)))
			if len(parts) != 2 {
				io.Notify("Syntax: e.g. A1 H")
				continue
			}

			row, col, err := ParseCoordinate(parts[0], board.Size())
			if err != nil {
				io.Notify("Invalid coordinate")
				continue
			}
			var orientation int
			switch parts[1] {
			case "H":
				orientation = 0
			case "V":
				orientation = 1
			default:
				io.Notify("Orientation must be H or V")
				continue
			}
			if !board.PlaceShip(row, col, spec, orientation) {
				io.Notify("Overlap / out-of-bounds")
				continue
			}
			break
		}
	}

	io.SendGrid(board.RenderSelf())
	io.Notify("All ships placed - waiting for opponent")
	return nil
}
