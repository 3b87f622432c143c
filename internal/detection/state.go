package detection

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// MissingStateRow reports whether a checkpoint read failed only because the
// stage's state row does not exist yet. Any other error aborts the pass so
// the checkpoint stays put and the same range is retried.
func MissingStateRow(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
