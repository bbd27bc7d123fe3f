package pagetable

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
	"golang.org/x/exp/slog"
)

var errNotReady = errors.New("register not ready")

// poller waits on hardware registers with a bounded timeout. Timeouts are fatal device
// conditions, so a failed wait is logged and reported but never retried by the caller.
type poller struct {
	logger    *slog.Logger
	registers Registers
	timeout   time.Duration
}

// wait blocks until reg&mask == want
func (p poller) wait(op string, reg, mask, want uint32) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = p.timeout

	var last uint32
	err := backoff.Retry(func() error {
		last = p.registers.Read32(reg)
		if last&mask == want {
			return nil
		}
		return errNotReady
	}, b)
	if err == nil {
		return nil
	}

	err = errors.Wrapf(memutils.ErrHardwareTimeout, "%s: register %#x is %#08x after %s, waiting for %#08x under mask %#08x",
		op, reg, last, p.timeout, want, mask)
	p.logger.Error(op, slog.Any("error", err))
	return err
}

// writeAndWait writes value to reg and waits for reg&mask == want
func (p poller) writeAndWait(op string, reg, value, mask, want uint32) error {
	p.registers.Write32(reg, value)
	return p.wait(op, reg, mask, want)
}
