package router

import (
	"sync"
	"time"

	"github.com/krisarmstrong/bacrouter/pkg/bacerr"
	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
)

// MaxTransactions is the capacity bound of the pending-transaction table.
const MaxTransactions = 256

// DefaultMaxRetries is the retry count applied before a transaction is
// cancelled with an Abort.
const DefaultMaxRetries = 3

// RetryBackoffMultiplier is the multiplicative backoff applied to the
// timeout on each retry.
const RetryBackoffMultiplier = 1.5

// TransactionKey identifies one pending transaction: invoke_id paired
// with the MS/TP destination MAC the request was routed to.
type TransactionKey struct {
	InvokeID byte
	DstMac   byte
}

// Transaction is the pending-transaction record.
type Transaction struct {
	InvokeID     byte
	IPSource     bvlc.Address
	SrcNetwork   *uint16
	SrcMac       byte
	DstNetwork   uint16
	DstMac       byte
	Service      byte
	Segmented    bool
	CreatedAt    time.Time
	Timeout      time.Duration
	Retries      int
	MaxRetries   int
	OriginalNPDU []byte

	deadline time.Time
}

// TransactionTable tracks in-flight confirmed-service requests routed
// IP -> MS/TP, keyed uniquely by (invoke_id, dst_mac).
type TransactionTable struct {
	mu      sync.Mutex
	entries map[TransactionKey]*Transaction
}

// NewTransactionTable returns an empty table.
func NewTransactionTable() *TransactionTable {
	return &TransactionTable{entries: make(map[TransactionKey]*Transaction)}
}

// Create inserts a new transaction. It rejects both capacity overflow
// and a duplicate key.
func (t *TransactionTable) Create(tx *Transaction, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := TransactionKey{InvokeID: tx.InvokeID, DstMac: tx.DstMac}
	if _, exists := t.entries[key]; exists {
		return bacerr.New(bacerr.KindDuplicateInvokeID, "duplicate (invoke_id, dst_mac) transaction key")
	}
	if len(t.entries) >= MaxTransactions {
		return bacerr.New(bacerr.KindTransactionTableFull, "transaction table at capacity")
	}
	tx.deadline = now.Add(tx.Timeout)
	t.entries[key] = tx
	return nil
}

// Match looks up the transaction for (invokeID, dstMac). keepAlive
// controls whether a matched entry is removed (false) or left in place
// (true, for a segmented ComplexAck with more_follows).
func (t *TransactionTable) Match(invokeID, dstMac byte, keepAlive bool) (*Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := TransactionKey{InvokeID: invokeID, DstMac: dstMac}
	tx, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	if !keepAlive {
		delete(t.entries, key)
	}
	return tx, true
}

// ExpireResult is one transaction that reached its retry/timeout
// boundary during a housekeeping Sweep.
type ExpireResult struct {
	Transaction *Transaction
	// Retried is true if the request was requeued with a longer
	// timeout rather than finally abandoned.
	Retried bool
}

// Sweep finds every transaction past its deadline. Transactions under
// MaxRetries have their Retries incremented, Timeout backed off by
// RetryBackoffMultiplier, and their deadline extended (Retried=true).
// Transactions that have exhausted MaxRetries are removed and reported
// with Retried=false so the caller can emit an Abort.
func (t *TransactionTable) Sweep(now time.Time) []ExpireResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var results []ExpireResult
	for key, tx := range t.entries {
		if now.Before(tx.deadline) {
			continue
		}
		if tx.Retries < tx.MaxRetries {
			tx.Retries++
			tx.Timeout = time.Duration(float64(tx.Timeout) * RetryBackoffMultiplier)
			tx.deadline = now.Add(tx.Timeout)
			results = append(results, ExpireResult{Transaction: tx, Retried: true})
			continue
		}
		delete(t.entries, key)
		results = append(results, ExpireResult{Transaction: tx, Retried: false})
	}
	return results
}

// Len reports the number of live transactions.
func (t *TransactionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
