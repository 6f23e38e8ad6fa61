package session

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func gameFromFEN(fen string) (*nchess.Game, error) {
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		return nchess.NewGame(), nil
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return nchess.NewGame(option), nil
}

// SideToMove returns the side to move in fen. Positions the chess library
// rejects fall back to the FEN active-colour field.
func SideToMove(fen string) chessdto.Side {
	if game, err := gameFromFEN(fen); err == nil {
		return sideFrom(game.Position().Turn())
	}
	fields := strings.Fields(fen)
	if len(fields) >= 2 {
		return chessdto.ParseSide(fields[1])
	}
	return ""
}

func sideFrom(c nchess.Color) chessdto.Side {
	if c == nchess.White {
		return chessdto.White
	}
	return chessdto.Black
}

// sanFor derives SAN for mv played from prevFEN. It returns "" when the
// move does not decode in that position.
func sanFor(prevFEN string, mv chessdto.Move) string {
	game, err := gameFromFEN(prevFEN)
	if err != nil {
		return ""
	}
	pos := game.Position()
	decoded, err := nchess.UCINotation{}.Decode(pos, strings.ToLower(mv.UCI()))
	if err != nil {
		return ""
	}
	return nchess.AlgebraicNotation{}.Encode(pos, decoded)
}
