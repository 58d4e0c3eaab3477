package msghandler

import (
	"errors"
	"fmt"

	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/botconfig"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/casestore"
)

// ErrMalformedEvent marks an inbound envelope the handler cannot act on.
// Ingress maps it to a 400 response; every other error maps to 500.
var ErrMalformedEvent = errors.New("msghandler: malformed event payload")

// IsClientInput reports whether the error should be surfaced to the
// external caller as their fault.
func IsClientInput(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}

// IsTransient reports a store write collision that survived the local
// retry. Callers may retry the whole event.
func IsTransient(err error) bool {
	return errors.Is(err, casestore.ErrConflict)
}

// IsConfiguration reports a missing required profile or setting. Fatal
// for the invocation; never defaulted.
func IsConfiguration(err error) bool {
	return errors.Is(err, botconfig.ErrProfileNotFound)
}

func externalErr(op string, err error) error {
	return fmt.Errorf("msghandler: %s: %w", op, err)
}
