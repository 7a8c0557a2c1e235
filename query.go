package transactions

import (
	"context"
	"encoding/json"
)

// QueryAttemptTag identifies the attempt a statement executes under, so that
// any server-side staging the query performs lands in this attempt's ATR.
type QueryAttemptTag struct {
	TransactionID string
	AttemptID     string
	AtrStoreName  string
	AtrID         string
}

// QueryResult holds the rows returned by the query collaborator.
type QueryResult struct {
	Rows []json.RawMessage
}

// QueryExecutor is the boundary to the external query service.  Errors it
// returns are surfaced to the caller, not classified by this library.
type QueryExecutor interface {
	Execute(ctx context.Context, statement string, tag QueryAttemptTag) (*QueryResult, error)
}

// Query runs a statement through the configured executor under this
// attempt's identity.  Executor failures are reported as a QueryError without
// failing the attempt; the caller decides whether to continue or roll back.
func (t *transactionAttempt) Query(ctx context.Context, statement string) (*QueryResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	if t.queryExecutor == nil {
		return nil, &QueryError{
			Statement: statement,
			Cause:     ErrIllegalState,
		}
	}

	if cerr := t.checkExpiredAtomic(hookQuery, "", false); cerr != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionExpired,
		})
	}

	t.lock.Lock()
	tag := QueryAttemptTag{
		TransactionID: t.transactionID,
		AttemptID:     t.id,
	}
	if t.atrStore != nil {
		tag.AtrStoreName = t.atrStore.Name()
		tag.AtrID = t.atrKey
	}
	t.lock.Unlock()

	res, err := t.queryExecutor.Execute(ctx, statement, tag)
	if err != nil {
		return nil, &QueryError{
			Statement: statement,
			Cause:     err,
		}
	}

	return res, nil
}
