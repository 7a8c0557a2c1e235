package transactions

// TransactionHooks provides a number of internal hooks used for testing.
// Internal: This should never be used and is not supported.
type TransactionHooks interface {
	BeforeATRPending() error
	AfterATRPending() error
	BeforeATRCommit() error
	AfterATRCommit() error
	BeforeATRComplete() error
	BeforeATRAborted() error
	BeforeATRRolledBack() error
	BeforeDocGet(docID string) error
	BeforeStagedInsert(docID string) error
	BeforeStagedReplace(docID string) error
	BeforeStagedRemove(docID string) error
	AfterStagedInsertComplete(docID string) error
	AfterStagedReplaceComplete(docID string) error
	AfterStagedRemoveComplete(docID string) error
	BeforeDocCommitted(docID string) error
	AfterDocCommitted(docID string) error
	BeforeDocRemoved(docID string) error
	BeforeDocRolledBack(docID string) error
	BeforeCheckATREntryForBlockingDoc(atrDocID string) error
	HasExpiredClientSideHook(stage string, docID string) (bool, error)
}

// CleanUpHooks provides a number of internal hooks used for testing.
// Internal: This should never be used and is not supported.
type CleanUpHooks interface {
	BeforeATRRemove(atrID string) error
	BeforeDocGet(docID string) error
	BeforeCommitDoc(docID string) error
	BeforeRemoveDoc(docID string) error
	BeforeRemoveDocStagedForRemoval(docID string) error
	BeforeRemoveLinks(docID string) error
}

// DefaultHooks is default set of noop hooks used within the library.
// Internal: This should never be used and is not supported.
type DefaultHooks struct {
}

// BeforeATRPending occurs before an ATR entry is created.
func (dh *DefaultHooks) BeforeATRPending() error {
	return nil
}

// AfterATRPending occurs after an ATR entry is created.
func (dh *DefaultHooks) AfterATRPending() error {
	return nil
}

// BeforeATRCommit occurs before the commit-point write.
func (dh *DefaultHooks) BeforeATRCommit() error {
	return nil
}

// AfterATRCommit occurs after the commit-point write.
func (dh *DefaultHooks) AfterATRCommit() error {
	return nil
}

// BeforeATRComplete occurs before the entry is marked completed.
func (dh *DefaultHooks) BeforeATRComplete() error {
	return nil
}

// BeforeATRAborted occurs before the entry is marked aborted.
func (dh *DefaultHooks) BeforeATRAborted() error {
	return nil
}

// BeforeATRRolledBack occurs before the entry is marked rolled back.
func (dh *DefaultHooks) BeforeATRRolledBack() error {
	return nil
}

// BeforeDocGet occurs before a document is fetched.
func (dh *DefaultHooks) BeforeDocGet(docID string) error {
	return nil
}

// BeforeStagedInsert occurs before a document's insert is staged.
func (dh *DefaultHooks) BeforeStagedInsert(docID string) error {
	return nil
}

// BeforeStagedReplace occurs before a document's replace is staged.
func (dh *DefaultHooks) BeforeStagedReplace(docID string) error {
	return nil
}

// BeforeStagedRemove occurs before a document's remove is staged.
func (dh *DefaultHooks) BeforeStagedRemove(docID string) error {
	return nil
}

// AfterStagedInsertComplete occurs after a document's insert is staged.
func (dh *DefaultHooks) AfterStagedInsertComplete(docID string) error {
	return nil
}

// AfterStagedReplaceComplete occurs after a document's replace is staged.
func (dh *DefaultHooks) AfterStagedReplaceComplete(docID string) error {
	return nil
}

// AfterStagedRemoveComplete occurs after a document's remove is staged.
func (dh *DefaultHooks) AfterStagedRemoveComplete(docID string) error {
	return nil
}

// BeforeDocCommitted occurs before a document's staged content is unstaged.
func (dh *DefaultHooks) BeforeDocCommitted(docID string) error {
	return nil
}

// AfterDocCommitted occurs after a document's staged content is unstaged.
func (dh *DefaultHooks) AfterDocCommitted(docID string) error {
	return nil
}

// BeforeDocRemoved occurs before a staged remove is applied.
func (dh *DefaultHooks) BeforeDocRemoved(docID string) error {
	return nil
}

// BeforeDocRolledBack occurs before a document's staging is discarded.
func (dh *DefaultHooks) BeforeDocRolledBack(docID string) error {
	return nil
}

// BeforeCheckATREntryForBlockingDoc occurs before another attempt's ATR entry
// is consulted to resolve a conflicting document.
func (dh *DefaultHooks) BeforeCheckATREntryForBlockingDoc(atrDocID string) error {
	return nil
}

// HasExpiredClientSideHook can force an expiry check to report expiry.
func (dh *DefaultHooks) HasExpiredClientSideHook(stage string, docID string) (bool, error) {
	return false, nil
}

// DefaultCleanupHooks is default set of noop hooks used within the library.
// Internal: This should never be used and is not supported.
type DefaultCleanupHooks struct {
}

// BeforeATRRemove occurs before an ATR entry is removed during cleanup.
func (dch *DefaultCleanupHooks) BeforeATRRemove(atrID string) error {
	return nil
}

// BeforeDocGet occurs before a document is fetched during cleanup.
func (dch *DefaultCleanupHooks) BeforeDocGet(docID string) error {
	return nil
}

// BeforeCommitDoc occurs before a document is committed during cleanup.
func (dch *DefaultCleanupHooks) BeforeCommitDoc(docID string) error {
	return nil
}

// BeforeRemoveDoc occurs before a staged document is discarded during cleanup.
func (dch *DefaultCleanupHooks) BeforeRemoveDoc(docID string) error {
	return nil
}

// BeforeRemoveDocStagedForRemoval occurs before a committed remove is applied
// during cleanup.
func (dch *DefaultCleanupHooks) BeforeRemoveDocStagedForRemoval(docID string) error {
	return nil
}

// BeforeRemoveLinks occurs before a document's staging metadata is cleared
// during cleanup.
func (dch *DefaultCleanupHooks) BeforeRemoveLinks(docID string) error {
	return nil
}

const (
	hookGet        = "get"
	hookInsert     = "insert"
	hookReplace    = "replace"
	hookRemove     = "remove"
	hookQuery      = "query"
	hookCommit     = "commit"
	hookCommitDoc  = "commitDoc"
	hookAbortDoc   = "abortDoc"
	hookRollback   = "rollback"
	hookATRPending = "atrPending"
	hookATRCommit  = "atrCommit"
	hookWWC        = "writeWriteConflict"
)
