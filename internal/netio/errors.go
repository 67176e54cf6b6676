package netio

import (
	"errors"
	"net"
	"syscall"

	"github.com/wolfeidau/auctiond/internal/cq"
)

// classifyErr maps OS-level receive/accept failures onto the completion
// error codes the service loops dispatch on. A local close of the socket
// aborts the outstanding request; a peer that vanished without a graceful
// close surfaces as a reset. Anything else passes through for the loop to
// log and skip.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return cq.ErrOperationAborted
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return cq.ErrNetnameDeleted
	}
	return err
}
