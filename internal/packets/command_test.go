package packets

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr bool
	}{
		{name: "fire", line: "FIRE E5", want: Fire{Row: 4, Col: 4, Coord: "E5"}},
		{name: "fire lowercase", line: "fire b10", want: Fire{Row: 1, Col: 9, Coord: "B10"}},
		{name: "fire padded", line: "  FIRE A1  ", want: Fire{Row: 0, Col: 0, Coord: "A1"}},
		{name: "chat", line: "CHAT hello there", want: ChatLine{Text: "hello there"}},
		{name: "chat preserves case", line: "chat GG wp", want: ChatLine{Text: "GG wp"}},
		{name: "quit", line: "QUIT", want: Quit{}},
		{name: "quit lowercase", line: "quit", want: Quit{}},
		{name: "fire without coord", line: "FIRE", wantErr: true},
		{name: "fire bad coord", line: "FIRE Z99", wantErr: true},
		{name: "chat without text", line: "CHAT   ", wantErr: true},
		{name: "quit with arguments", line: "QUIT now", wantErr: true},
		{name: "unknown verb", line: "SHOOT A1", wantErr: true},
		{name: "empty", line: "", wantErr: true},
		{name: "whitespace only", line: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.line, 10)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCommand(%q) want error, got %#v", tt.line, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand(%q) returned an unexpected error: %v", tt.line, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseCommand(%q) mismatch; diff:\n%s", tt.line, diff)
			}
		})
	}
}

func TestParseCommand_BoardSizeBoundsFire(t *testing.T) {
	if _, err := ParseCommand("FIRE C3", 2); err == nil {
		t.Error("FIRE C3 should be rejected on a 2x2 board")
	}
	if _, err := ParseCommand("FIRE B2", 2); err != nil {
		t.Errorf("FIRE B2 should be accepted on a 2x2 board: %v", err)
	}
}
