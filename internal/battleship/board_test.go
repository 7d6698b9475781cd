package battleship

import (
	"strings"
	"testing"

	"github.com/go-test/deep"
)

func TestBoard_PlaceShipsRandomly(t *testing.T) {
	board := NewBoard(DefaultBoardSize)
	board.PlaceShipsRandomly(Fleet)

	if board.ShipsPlaced() != len(Fleet) {
		t.Fatalf("ships placed want = %d, got = %d", len(Fleet), board.ShipsPlaced())
	}

	// Cell count across the revealed grid must equal the fleet total.
	wantCells := 0
	for _, spec := range Fleet {
		wantCells += spec.Size
	}
	gotCells := 0
	for _, row := range board.RenderSelf() {
		for _, cell := range strings.Fields(row) {
			if cell != "." {
				gotCells++
			}
		}
	}
	if gotCells != wantCells {
		t.Errorf("occupied cells want = %d, got = %d", wantCells, gotCells)
	}

	// The opponent view reveals nothing before any shots.
	for r, row := range board.RenderOpponentView() {
		for _, cell := range strings.Fields(row) {
			if cell != "." {
				t.Fatalf("opponent view leaked ship cell in row %d: %q", r, row)
			}
		}
	}
}

func TestBoard_CanPlaceShip(t *testing.T) {
	board := NewBoard(DefaultBoardSize)
	board.PlaceShip(0, 0, ShipSpec{"Destroyer", 2}, 0)

	tests := []struct {
		name        string
		row, col    int
		size        int
		orientation int
		want        bool
	}{
		{name: "open water horizontal", row: 5, col: 5, size: 3, orientation: 0, want: true},
		{name: "open water vertical", row: 5, col: 5, size: 3, orientation: 1, want: true},
		{name: "off right edge", row: 0, col: 8, size: 3, orientation: 0, want: false},
		{name: "off bottom edge", row: 8, col: 0, size: 3, orientation: 1, want: false},
		{name: "overlaps existing ship", row: 0, col: 1, size: 2, orientation: 0, want: false},
		{name: "touches end of existing ship", row: 0, col: 2, size: 2, orientation: 0, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := board.CanPlaceShip(tt.row, tt.col, tt.size, tt.orientation); got != tt.want {
				t.Errorf("CanPlaceShip() want = %v, got = %v", tt.want, got)
			}
		})
	}
}

func TestBoard_FireAt(t *testing.T) {
	board := NewBoard(DefaultBoardSize)
	board.PlaceShip(0, 0, ShipSpec{"Destroyer", 2}, 0) // occupies A1, A2

	result, sunk := board.FireAt(5, 5)
	if result != Miss || sunk != "" {
		t.Fatalf("open-water shot want = (miss, \"\"), got = (%v, %q)", result, sunk)
	}

	result, sunk = board.FireAt(0, 0)
	if result != Hit || sunk != "" {
		t.Fatalf("first hit want = (hit, \"\"), got = (%v, %q)", result, sunk)
	}

	result, sunk = board.FireAt(0, 0)
	if result != AlreadyShot {
		t.Fatalf("repeat shot want = already_shot, got = %v", result)
	}

	if board.AllShipsSunk() {
		t.Fatal("fleet should not be sunk with one cell standing")
	}

	result, sunk = board.FireAt(0, 1)
	if result != Hit || sunk != "Destroyer" {
		t.Fatalf("sinking shot want = (hit, Destroyer), got = (%v, %q)", result, sunk)
	}
	if !board.AllShipsSunk() {
		t.Fatal("fleet should be sunk after both cells were hit")
	}

	// Hits and misses show on the opponent view.
	view := board.RenderOpponentView()
	wantTop := "X X . . . . . . . ."
	if view[0] != wantTop {
		t.Errorf("opponent view row 0 want = %q, got = %q", wantTop, view[0])
	}
	if !strings.Contains(view[5], "o") {
		t.Errorf("opponent view row 5 should show the miss: %q", view[5])
	}
}

func TestBoard_AllShipsSunkEmptyBoard(t *testing.T) {
	// A board with no ships placed is never "sunk"; otherwise a match
	// would terminate before placement.
	if NewBoard(DefaultBoardSize).AllShipsSunk() {
		t.Fatal("empty board reported all ships sunk")
	}
}

func TestParseCoordinate(t *testing.T) {
	tests := []struct {
		name    string
		coord   string
		size    int
		wantRow int
		wantCol int
		wantErr bool
	}{
		{name: "top left", coord: "A1", size: 10, wantRow: 0, wantCol: 0},
		{name: "bottom right", coord: "J10", size: 10, wantRow: 9, wantCol: 9},
		{name: "lowercase accepted", coord: "e5", size: 10, wantRow: 4, wantCol: 4},
		{name: "padded input", coord: " B7 ", size: 10, wantRow: 1, wantCol: 6},
		{name: "row out of bounds", coord: "K1", size: 10, wantErr: true},
		{name: "col out of bounds", coord: "A11", size: 10, wantErr: true},
		{name: "zero column", coord: "A0", size: 10, wantErr: true},
		{name: "garbage", coord: "5A", size: 10, wantErr: true},
		{name: "empty", coord: "", size: 10, wantErr: true},
		{name: "small board bounds", coord: "C3", size: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, col, err := ParseCoordinate(tt.coord, tt.size)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCoordinate(%q) want error, got (%d, %d)", tt.coord, row, col)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCoordinate(%q) returned an unexpected error: %v", tt.coord, err)
			}
			if row != tt.wantRow || col != tt.wantCol {
				t.Errorf("ParseCoordinate(%q) want = (%d, %d), got = (%d, %d)",
					tt.coord, tt.wantRow, tt.wantCol, row, col)
			}
		})
	}
}

func TestFormatCoordinate(t *testing.T) {
	coords := map[string][2]int{
		"A1":  {0, 0},
		"E5":  {4, 4},
		"J10": {9, 9},
	}
	for want, pos := range coords {
		if got := FormatCoordinate(pos[0], pos[1]); got != want {
			t.Errorf("FormatCoordinate(%d, %d) want = %q, got = %q", pos[0], pos[1], want, got)
		}
	}

	// Round trip through the parser.
	for coord := range coords {
		row, col, err := ParseCoordinate(coord, 10)
		if err != nil {
			t.Fatalf("ParseCoordinate(%q) returned an unexpected error: %v", coord, err)
		}
		if got := FormatCoordinate(row, col); got != coord {
			t.Errorf("round trip of %q produced %q", coord, got)
		}
	}
}

func TestBoard_ResetClearsEverything(t *testing.T) {
	board := NewBoard(4)
	board.PlaceShip(0, 0, ShipSpec{"Destroyer", 2}, 0)
	board.FireAt(0, 0)
	board.FireAt(3, 3)

	board.Reset()
	if board.ShipsPlaced() != 0 {
		t.Errorf("ShipsPlaced() after Reset() want = 0, got = %d", board.ShipsPlaced())
	}
	blank := []string{". . . .", ". . . .", ". . . .", ". . . ."}
	if diff := deep.Equal(blank, board.RenderSelf()); diff != nil {
		t.Errorf("RenderSelf() after Reset() differs: %v", diff)
	}
	if diff := deep.Equal(blank, board.RenderOpponentView()); diff != nil {
		t.Errorf("RenderOpponentView() after Reset() differs: %v", diff)
	}
}
