package repository

import "errors"

// ErrNotFound is the repository-local sentinel for single-entity lookups
// that match no rows. The service layer translates it into the domain-level
// not-found error, keeping business logic decoupled from the driver's
// errors (e.g. `sql.ErrNoRows`, `redis.Nil`).
var ErrNotFound = errors.New("repository: not found")
