package escrow

import (
	"context"
	"time"

	"github.com/apgms/escrow/database"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

func newTxBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// inTx runs fn in a transaction, re-running the whole transaction when the store reports a
// retryable conflict. Any other error is returned as is.
func (e *Escrow) inTx(ctx context.Context, op string, fn func(q database.Queries) error) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(newTxBackOff(), e.settings.TxMaxRetries), ctx)
	return backoff.Retry(func() error {
		attempt++
		err := e.datasource.RunInTx(ctx, fn)
		if err == nil {
			return nil
		}
		if database.IsRetryable(err) {
			logrus.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Debugf("transaction conflict, retrying: %v", err)
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
