package backend

import "errors"

// ErrNoHealthyBackend is returned by Select when auto-selection finds no
// healthy backend. The message is part of the stable error surface.
var ErrNoHealthyBackend = errors.New("No healthy backend available")
