package detection

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestMissingStateRow(t *testing.T) {
	if !MissingStateRow(pgx.ErrNoRows) {
		t.Error("ErrNoRows should read as a missing state row")
	}
	if !MissingStateRow(fmt.Errorf("reading checkpoint: %w", pgx.ErrNoRows)) {
		t.Error("wrapped ErrNoRows should read as a missing state row")
	}

	// Transient failures must not look like a fresh deployment: seeding a
	// checkpoint over one would silently skip the unprocessed range.
	if MissingStateRow(errors.New("connection reset by peer")) {
		t.Error("a transient error must not trigger checkpoint seeding")
	}
	if MissingStateRow(nil) {
		t.Error("nil error is not a missing state row")
	}
}
