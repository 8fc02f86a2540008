package txn

import "strconv"

// GlobalStatus is the state of a global transaction. Numeric values are part
// of the wire contract.
type GlobalStatus int32

// Global transaction states.
const (
	GlobalUnKnown                     GlobalStatus = 0
	GlobalBegin                       GlobalStatus = 1
	GlobalCommitting                  GlobalStatus = 2
	GlobalCommitRetrying              GlobalStatus = 3
	GlobalRollbacking                 GlobalStatus = 4
	GlobalRollbackRetrying            GlobalStatus = 5
	GlobalTimeoutRollbacking          GlobalStatus = 6
	GlobalTimeoutRollbackRetrying     GlobalStatus = 7
	GlobalAsyncCommitting             GlobalStatus = 8
	GlobalCommitted                   GlobalStatus = 9
	GlobalCommitFailed                GlobalStatus = 10
	GlobalRollbacked                  GlobalStatus = 11
	GlobalRollbackFailed              GlobalStatus = 12
	GlobalTimeoutRollbacked           GlobalStatus = 13
	GlobalTimeoutRollbackFailed       GlobalStatus = 14
	GlobalFinished                    GlobalStatus = 15
	GlobalCommitRetryTimeout          GlobalStatus = 16
	GlobalRollbackRetryTimeout        GlobalStatus = 17
	GlobalDeleting                    GlobalStatus = 18
	GlobalStopCommitOrCommitRetry     GlobalStatus = 19
	GlobalStopRollbackOrRollbackRetry GlobalStatus = 20
)

var globalStatusNames = [...]string{
	"UnKnown",
	"Begin",
	"Committing",
	"CommitRetrying",
	"Rollbacking",
	"RollbackRetrying",
	"TimeoutRollbacking",
	"TimeoutRollbackRetrying",
	"AsyncCommitting",
	"Committed",
	"CommitFailed",
	"Rollbacked",
	"RollbackFailed",
	"TimeoutRollbacked",
	"TimeoutRollbackFailed",
	"Finished",
	"CommitRetryTimeout",
	"RollbackRetryTimeout",
	"Deleting",
	"StopCommitOrCommitRetry",
	"StopRollbackOrRollbackRetry",
}

// GlobalStatusFromCode decodes a wire code. Unknown codes map to GlobalUnKnown.
func GlobalStatusFromCode(code int32) GlobalStatus {
	if code < 0 || int(code) >= len(globalStatusNames) {
		return GlobalUnKnown
	}
	return GlobalStatus(code)
}

// ParseGlobalStatus resolves a status by name or numeric code.
func ParseGlobalStatus(raw string) (GlobalStatus, bool) {
	for i, name := range globalStatusNames {
		if name == raw {
			return GlobalStatus(i), true
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(globalStatusNames) {
		return GlobalStatus(n), true
	}
	return GlobalUnKnown, false
}

// Code returns the wire code.
func (s GlobalStatus) Code() int32 { return int32(s) }

func (s GlobalStatus) String() string {
	if s < 0 || int(s) >= len(globalStatusNames) {
		return "GlobalStatus(" + strconv.Itoa(int(s)) + ")"
	}
	return globalStatusNames[s]
}

// IsActive reports whether the transaction still accepts branches.
func (s GlobalStatus) IsActive() bool { return s == GlobalBegin }

// InProgress reports whether phase two is underway.
func (s GlobalStatus) InProgress() bool {
	switch s {
	case GlobalCommitting, GlobalCommitRetrying, GlobalAsyncCommitting,
		GlobalRollbacking, GlobalRollbackRetrying,
		GlobalTimeoutRollbacking, GlobalTimeoutRollbackRetrying:
		return true
	}
	return false
}

// IsSuccess reports terminal success states.
func (s GlobalStatus) IsSuccess() bool {
	switch s {
	case GlobalCommitted, GlobalRollbacked, GlobalTimeoutRollbacked, GlobalDeleting:
		return true
	}
	return false
}

// IsFailure reports terminal failure states.
func (s GlobalStatus) IsFailure() bool {
	switch s {
	case GlobalCommitFailed, GlobalRollbackFailed, GlobalCommitRetryTimeout,
		GlobalRollbackRetryTimeout, GlobalTimeoutRollbackFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is expected.
func (s GlobalStatus) IsTerminal() bool {
	return s.IsSuccess() || s.IsFailure() || s == GlobalFinished
}

// IsRollbackPath reports whether locks held by the transaction are about to
// be released by a rollback.
func (s GlobalStatus) IsRollbackPath() bool {
	return s == GlobalRollbacking || s == GlobalTimeoutRollbacking
}

// BranchStatus is the state of one branch transaction. Numeric values are
// part of the wire contract.
type BranchStatus int32

// Branch transaction states.
const (
	BranchRegistered                        BranchStatus = 1
	BranchPhaseOneDone                      BranchStatus = 2
	BranchPhaseOneFailed                    BranchStatus = 3
	BranchPhaseOneTimeout                   BranchStatus = 4
	BranchPhaseTwoCommitted                 BranchStatus = 5
	BranchPhaseTwoCommitFailedRetryable     BranchStatus = 6
	BranchPhaseTwoCommitFailedUnretryable   BranchStatus = 7
	BranchPhaseTwoRollbacked                BranchStatus = 8
	BranchPhaseTwoRollbackFailedRetryable   BranchStatus = 9
	BranchPhaseTwoRollbackFailedUnretryable BranchStatus = 10
	BranchPhaseTwoTimeout                   BranchStatus = 11
	BranchUnknown                           BranchStatus = 12
)

var branchStatusNames = map[BranchStatus]string{
	BranchRegistered:                        "Registered",
	BranchPhaseOneDone:                      "PhaseOneDone",
	BranchPhaseOneFailed:                    "PhaseOneFailed",
	BranchPhaseOneTimeout:                   "PhaseOneTimeout",
	BranchPhaseTwoCommitted:                 "PhaseTwoCommitted",
	BranchPhaseTwoCommitFailedRetryable:     "PhaseTwoCommitFailedRetryable",
	BranchPhaseTwoCommitFailedUnretryable:   "PhaseTwoCommitFailedUnretryable",
	BranchPhaseTwoRollbacked:                "PhaseTwoRollbacked",
	BranchPhaseTwoRollbackFailedRetryable:   "PhaseTwoRollbackFailedRetryable",
	BranchPhaseTwoRollbackFailedUnretryable: "PhaseTwoRollbackFailedUnretryable",
	BranchPhaseTwoTimeout:                   "PhaseTwoTimeout",
	BranchUnknown:                           "Unknown",
}

// BranchStatusFromCode decodes a wire code. Unknown codes map to BranchUnknown.
func BranchStatusFromCode(code int32) BranchStatus {
	if _, ok := branchStatusNames[BranchStatus(code)]; ok {
		return BranchStatus(code)
	}
	return BranchUnknown
}

// Code returns the wire code.
func (s BranchStatus) Code() int32 { return int32(s) }

func (s BranchStatus) String() string {
	if name, ok := branchStatusNames[s]; ok {
		return name
	}
	return "BranchStatus(" + strconv.Itoa(int(s)) + ")"
}

// PhaseOneFailure reports whether phase one of the branch did not succeed.
func (s BranchStatus) PhaseOneFailure() bool {
	return s == BranchPhaseOneFailed || s == BranchPhaseOneTimeout
}

// PhaseTwo reports whether the status is a phase-two outcome.
func (s BranchStatus) PhaseTwo() bool {
	return s >= BranchPhaseTwoCommitted && s <= BranchPhaseTwoTimeout
}

// PhaseTwoSuccess reports a completed phase-two commit or rollback.
func (s BranchStatus) PhaseTwoSuccess() bool {
	return s == BranchPhaseTwoCommitted || s == BranchPhaseTwoRollbacked
}

// Retryable reports whether a phase-two failure may be retried.
func (s BranchStatus) Retryable() bool {
	return s == BranchPhaseTwoCommitFailedRetryable || s == BranchPhaseTwoRollbackFailedRetryable
}

// BranchType selects the branch protocol.
type BranchType int32

// Branch protocols.
const (
	BranchTypeAT   BranchType = 1
	BranchTypeTCC  BranchType = 2
	BranchTypeSAGA BranchType = 3
	BranchTypeXA   BranchType = 4
)

// BranchTypeFromCode decodes a wire code. Unknown codes map to AT.
func BranchTypeFromCode(code int32) BranchType {
	switch t := BranchType(code); t {
	case BranchTypeAT, BranchTypeTCC, BranchTypeSAGA, BranchTypeXA:
		return t
	}
	return BranchTypeAT
}

// ParseBranchType resolves a branch type by name, defaulting to AT.
func ParseBranchType(raw string) BranchType {
	switch raw {
	case "TCC", "tcc":
		return BranchTypeTCC
	case "SAGA", "saga":
		return BranchTypeSAGA
	case "XA", "xa":
		return BranchTypeXA
	}
	return BranchTypeAT
}

// Code returns the wire code.
func (t BranchType) Code() int32 { return int32(t) }

func (t BranchType) String() string {
	switch t {
	case BranchTypeAT:
		return "AT"
	case BranchTypeTCC:
		return "TCC"
	case BranchTypeSAGA:
		return "SAGA"
	case BranchTypeXA:
		return "XA"
	}
	return "BranchType(" + strconv.Itoa(int(t)) + ")"
}

// LockStatus marks whether a row lock is about to be released by rollback.
type LockStatus int32

// Row lock states.
const (
	LockLocked      LockStatus = 1
	LockRollbacking LockStatus = 2
)

func (s LockStatus) String() string {
	switch s {
	case LockLocked:
		return "Locked"
	case LockRollbacking:
		return "Rollbacking"
	}
	return "LockStatus(" + strconv.Itoa(int(s)) + ")"
}
