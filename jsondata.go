package transactions

import "encoding/json"

type jsonAtrState string

const (
	jsonAtrStatePending    = jsonAtrState("PENDING")
	jsonAtrStateCommitted  = jsonAtrState("COMMITTED")
	jsonAtrStateCompleted  = jsonAtrState("COMPLETED")
	jsonAtrStateAborted    = jsonAtrState("ABORTED")
	jsonAtrStateRolledBack = jsonAtrState("ROLLED_BACK")
)

type jsonMutationType string

const (
	jsonMutationInsert  = jsonMutationType("insert")
	jsonMutationReplace = jsonMutationType("replace")
	jsonMutationRemove  = jsonMutationType("remove")
)

type jsonAtrMutation struct {
	StoreName string `json:"bkt,omitempty"`
	DocID     string `json:"id,omitempty"`
}

// jsonAtrAttempt is one attempt's entry inside a shared ATR document.  The
// ATR document body is {"attempts": {"<attemptID>": <jsonAtrAttempt>}} so
// that multiple attempts can share one bookkeeping document.
type jsonAtrAttempt struct {
	TransactionID string `json:"tid,omitempty"`
	State         string `json:"st,omitempty"`

	// StartTime is the unix-millisecond timestamp of the pending write;
	// together with ExpiryTime it tells the sweeper when the attempt is
	// abandoned.
	StartTime  int64 `json:"tst,omitempty"`
	ExpiryTime uint  `json:"exp,omitempty"`

	CommitTime     int64 `json:"tsc,omitempty"`
	CompletedTime  int64 `json:"tsco,omitempty"`
	AbortTime      int64 `json:"tsrs,omitempty"`
	RolledBackTime int64 `json:"tsrc,omitempty"`

	DurabilityLevel string `json:"d,omitempty"`

	Inserts  []jsonAtrMutation `json:"ins,omitempty"`
	Replaces []jsonAtrMutation `json:"rep,omitempty"`
	Removes  []jsonAtrMutation `json:"rem,omitempty"`
}

type jsonAtrAttempts struct {
	Attempts map[string]jsonAtrAttempt `json:"attempts"`
}

// jsonTxnMeta is the staging metadata block attached to a document while a
// mutation against it is staged.  At most one attempt may hold this block on
// a document at a time; that exclusivity is what prevents lost updates.
type jsonTxnMeta struct {
	ID struct {
		Transaction string `json:"txn,omitempty"`
		Attempt     string `json:"atmpt,omitempty"`
	} `json:"id,omitempty"`
	ATR struct {
		DocID     string `json:"id,omitempty"`
		StoreName string `json:"bkt,omitempty"`
	} `json:"atr,omitempty"`
	Operation struct {
		Type   jsonMutationType `json:"type,omitempty"`
		Staged json.RawMessage  `json:"stgd,omitempty"`
	} `json:"op,omitempty"`
}

// jsonSerializedAttempt is the resumable snapshot of an in-flight attempt,
// potentially handed to a different transactions client.
type jsonSerializedAttempt struct {
	ID struct {
		Transaction string `json:"txn"`
		Attempt     string `json:"atmpt"`
	} `json:"id"`
	ATR struct {
		Store string `json:"bkt"`
		ID    string `json:"id"`
	} `json:"atr"`
	Config struct {
		OperationTimeoutMs int    `json:"kvTimeoutMs"`
		DurabilityLevel    string `json:"durabilityLevel"`
		NumAtrs            int    `json:"numAtrs"`
	} `json:"config"`
	State struct {
		TimeLeftMs int `json:"timeLeftMs"`
	} `json:"state"`
	Mutations []jsonSerializedMutation `json:"mutations"`
}

type jsonSerializedMutation struct {
	Store string `json:"bkt"`
	ID    string `json:"id"`
	Cas   string `json:"cas"`
	Type  string `json:"type"`
}
