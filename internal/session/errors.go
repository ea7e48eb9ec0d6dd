package session

import "errors"

// ErrNoScoreAvailable is returned by Start when neither the requested score
// nor a default can be resolved. The session stays idle.
var ErrNoScoreAvailable = errors.New("no score available")
