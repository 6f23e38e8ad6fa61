package session

import (
	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

var pieceValues = map[nchess.PieceType]int{
	nchess.Pawn:   1,
	nchess.Knight: 3,
	nchess.Bishop: 3,
	nchess.Rook:   5,
	nchess.Queen:  9,
}

// materialBase is each side's material in the starting position.
const materialBase = 39

// MaterialScore is the piece value each side still has on the board.
type MaterialScore struct {
	White int
	Black int
}

// Diff is White's material lead; negative when Black is ahead.
func (m MaterialScore) Diff() int { return m.White - m.Black }

// CapturedValue is the value side has taken from its opponent.
func (m MaterialScore) CapturedValue(side chessdto.Side) int {
	var v int
	switch side {
	case chessdto.White:
		v = materialBase - m.Black
	case chessdto.Black:
		v = materialBase - m.White
	}
	return max(v, 0)
}

// MaterialOf counts material in fen. ok is false when fen does not parse.
func MaterialOf(fen string) (score MaterialScore, ok bool) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return MaterialScore{}, false
	}
	board := game.Position().Board()
	for file := nchess.FileA; file <= nchess.FileH; file++ {
		for rank := nchess.Rank1; rank <= nchess.Rank8; rank++ {
			piece := board.Piece(nchess.NewSquare(file, rank))
			if piece == nchess.NoPiece {
				continue
			}
			if piece.Color() == nchess.White {
				score.White += pieceValues[piece.Type()]
			} else {
				score.Black += pieceValues[piece.Type()]
			}
		}
	}
	return score, true
}
