// Package battleship holds the rules engine consumed by the match session:
// board state, ship placement, shot resolution, and the coordinate grammar.
package battleship

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

const DefaultBoardSize = 10

// ShipSpec names a ship class and its length in cells.
type ShipSpec struct {
	Name string
	Size int
}

// Fleet is the standard five-ship complement.
var Fleet = []ShipSpec{
	{"Carrier", 5},
	{"Battleship", 4},
	{"Cruiser", 3},
	{"Submarine", 3},
	{"Destroyer", 2},
}

// OneShipFleet is the quick-game variant enabled by --one-ship.
var OneShipFleet = []ShipSpec{
	{"Destroyer", 2},
}

// Single-char symbols for each ship on the revealed grid. The Carrier uses
// 'A' (aircraft carrier) to avoid clashing with the Cruiser.
var shipLetters = map[string]byte{
	"Carrier":    'A',
	"Battleship": 'B',
	"Cruiser":    'C',
	"Submarine":  'S',
	"Destroyer":  'D',
}

// Cell markers shared by both grids.
const (
	cellWater = '.'
	cellHit   = 'X'
	cellMiss  = 'o'
)

// ShotResult classifies the outcome of a single shot.
type ShotResult int

const (
	Miss ShotResult = iota
	Hit
	AlreadyShot
)

func (r ShotResult) String() string {
	switch r {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case AlreadyShot:
		return "already_shot"
	}
	return "unknown"
}

type ship struct {
	name      string
	positions map[[2]int]bool
}

// Board is one player's hidden fleet plus the opponent-facing view of it.
// hidden tracks real ship positions, hits, and misses; display is the
// censored version shown to the opponent.
type Board struct {
	size    int
	hidden  [][]byte
	display [][]byte
	ships   []*ship
}

func NewBoard(size int) *Board {
	if size <= 0 {
		size = DefaultBoardSize
	}
	b := &Board{size: size}
	b.Reset()
	return b
}

func (b *Board) Size() int { return b.size }

// Reset clears both grids and forgets all placed ships.
func (b *Board) Reset() {
	b.hidden = blankGrid(b.size)
	b.display = blankGrid(b.size)
	b.ships = nil
}

func blankGrid(size int) [][]byte {
	grid := make([][]byte, size)
	for r := range grid {
		grid[r] = make([]byte, size)
		for c := range grid[r] {
			grid[r][c] = cellWater
		}
	}
	return grid
}

// PlaceShipsRandomly positions every ship in fleet without collisions.
func (b *Board) PlaceShipsRandomly(fleet []ShipSpec) {
	for _, spec := range fleet {
		for {
			orientation := rand.Intn(2)
			row := rand.Intn(b.size)
			col := rand.Intn(b.size)
			if b.CanPlaceShip(row, col, spec.Size, orientation) {
				b.placeShip(row, col, spec, orientation)
				break
			}
		}
	}
}

// CanPlaceShip reports whether a ship of the given size fits at (row, col)
// with orientation 0 (horizontal) or 1 (vertical).
func (b *Board) CanPlaceShip(row, col, size, orientation int) bool {
	if row < 0 || col < 0 {
		return false
	}
	if orientation == 0 {
		if col+size > b.size || row >= b.size {
			return false
		}
		for c := col; c < col+size; c++ {
			if b.hidden[row][c] != cellWater {
				return false
			}
		}
	} else {
		if row+size > b.size || col >= b.size {
			return false
		}
		for r := row; r < row+size; r++ {
			if b.hidden[r][col] != cellWater {
				return false
			}
		}
	}
	return true
}

// PlaceShip places one ship if it fits, reporting whether it did. Used by
// the manual placement wizard.
func (b *Board) PlaceShip(row, col int, spec ShipSpec, orientation int) bool {
	if !b.CanPlaceShip(row, col, spec.Size, orientation) {
		return false
	}
	b.placeShip(row, col, spec, orientation)
	return true
}

func (b *Board) placeShip(row, col int, spec ShipSpec, orientation int) {
	letter, ok := shipLetters[spec.Name]
	if !ok {
		letter = 'S'
	}
	positions := make(map[[2]int]bool, spec.Size)
	for i := 0; i < spec.Size; i++ {
		r, c := row, col
		if orientation == 0 {
			c += i
		} else {
			r += i
		}
		b.hidden[r][c] = letter
		positions[[2]int{r, c}] = true
	}
	b.ships = append(b.ships, &ship{name: spec.Name, positions: positions})
}

// ShipsPlaced reports how many ships are currently on the board.
func (b *Board) ShipsPlaced() int { return len(b.ships) }

// FireAt resolves a shot at (row, col). The second return value names the
// ship when the shot sinks it.
func (b *Board) FireAt(row, col int) (ShotResult, string) {
	cell := b.hidden[row][col]
	if cell == cellHit || cell == cellMiss {
		return AlreadyShot, ""
	}
	if cell == cellWater {
		b.hidden[row][col] = cellMiss
		b.display[row][col] = cellMiss
		return Miss, ""
	}

	b.hidden[row][col] = cellHit
	b.display[row][col] = cellHit
	return Hit, b.checkSunk(row, col)
}

// checkSunk returns the name of the ship occupying (row, col) if every one
// of its cells has been hit, otherwise "".
func (b *Board) checkSunk(row, col int) string {
	for _, s := range b.ships {
		if !s.positions[[2]int{row, col}] {
			continue
		}
		for pos := range s.positions {
			if b.hidden[pos[0]][pos[1]] != cellHit {
				return ""
			}
		}
		return s.name
	}
	return ""
}

// AllShipsSunk reports whether every placed ship has been fully destroyed.
func (b *Board) AllShipsSunk() bool {
	if len(b.ships) == 0 {
		return false
	}
	for _, s := range b.ships {
		for pos := range s.positions {
			if b.hidden[pos[0]][pos[1]] != cellHit {
				return false
			}
		}
	}
	return true
}

// RenderSelf returns the board rows with ships revealed.
func (b *Board) RenderSelf() []string {
	return renderRows(b.hidden)
}

// RenderOpponentView returns the censored rows shown to the opponent.
func (b *Board) RenderOpponentView() []string {
	return renderRows(b.display)
}

func renderRows(grid [][]byte) []string {
	rows := make([]string, len(grid))
	for r, cells := range grid {
		parts := make([]string, len(cells))
		for c, cell := range cells {
			parts[c] = string(cell)
		}
		rows[r] = strings.Join(parts, " ")
	}
	return rows
}

// coordPattern matches a row letter followed by a column number from 1 to
// 99. ParseCoordinate bounds-checks both against the board size, so a 10x10
// board accepts A1 through J10.
var coordPattern = regexp.MustCompile(`^[A-Z]([1-9][0-9]?)$`)

// ParseCoordinate converts a coordinate like "B5" to zero-based (row, col),
// bounds-checked against the given board size. Input is case-insensitive.
func ParseCoordinate(coord string, size int) (int, int, error) {
	coord = strings.ToUpper(strings.TrimSpace(coord))
	m := coordPattern.FindStringSubmatch(coord)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid coordinate %q", coord)
	}
	row := int(coord[0] - 'A')
	col, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid coordinate %q", coord)
	}
	col--
	if row >= size || col >= size {
		return 0, 0, fmt.Errorf("coordinate %q out of bounds", coord)
	}
	return row, col, nil
}

// FormatCoordinate converts zero-based (row, col) back to its wire form.
func FormatCoordinate(row, col int) string {
	return fmt.Sprintf("%c%d", 'A'+row, col+1)
}
