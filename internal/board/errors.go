package board

import "errors"

// ErrNameConflict is returned by Registry.Create when a board with the
// requested name already exists.
var ErrNameConflict = errors.New("board: name already exists")

// ErrNotFound is returned when a lookup names a board that does not exist.
var ErrNotFound = errors.New("board: not found")
