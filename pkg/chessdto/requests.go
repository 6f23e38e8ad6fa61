package chessdto

type MoveRequest struct {
	From      string `json:"from_square"`
	To        string `json:"to_square"`
	Promotion string `json:"promotion,omitempty"`
}

// MoveResponse is returned by both move submission and computer-move requests.
type MoveResponse struct {
	Move    Move           `json:"move"`
	Session Session        `json:"session"`
	Status  MoveStatus     `json:"status"`
	Timer   *TimerSnapshot `json:"timer,omitempty"`
}

type ComputerMoveRequest struct {
	Difficulty        string `json:"difficulty,omitempty"`
	ExpectedMoveCount int    `json:"expected_move_count"`
}

type ActiveGamesResponse struct {
	Games []Session `json:"games"`
}
