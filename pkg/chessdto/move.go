package chessdto

import "fmt"

// Move is an immutable, append-only record of a confirmed move.
type Move struct {
	Seq       int    `json:"seq"`
	From      string `json:"from_square"`
	To        string `json:"to_square"`
	Promotion string `json:"promotion,omitempty"`
	FEN       string `json:"fen"`
	SAN       string `json:"san,omitempty"`
	Author    string `json:"author"`
}

// UCI returns the move in long algebraic form, e.g. "e7e8q".
func (m Move) UCI() string { return m.From + m.To + m.Promotion }

func (m Move) String() string {
	if m.SAN != "" {
		return fmt.Sprintf("%d.%s", m.Seq, m.SAN)
	}
	return fmt.Sprintf("%d.%s", m.Seq, m.UCI())
}

// MoveStatus carries the server's verdict on the position after a move.
type MoveStatus struct {
	IsCheck     bool   `json:"is_check"`
	IsCheckmate bool   `json:"is_checkmate"`
	IsStalemate bool   `json:"is_stalemate"`
	IsGameOver  bool   `json:"is_game_over"`
	Result      string `json:"result,omitempty"`
}
