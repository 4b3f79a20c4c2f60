// Package ledgertest provides an in-memory ledger for tests. Transactions
// are registered up front; failures can be injected per call.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/ledger"
)

// Ledger implements ledger.Reader over in-memory maps.
type Ledger struct {
	mu        sync.Mutex
	txs       map[string]*ledger.Transaction
	levels    map[string]ledger.ConfirmationLevel
	block     ledger.BlockReference
	failures  []error // consumed FIFO by FetchTransaction
	blockErr  error
	fetches   map[string]int
	statusErr error
}

// New creates an empty ledger with a fixed block reference.
func New() *Ledger {
	return &Ledger{
		txs:     make(map[string]*ledger.Transaction),
		levels:  make(map[string]ledger.ConfirmationLevel),
		fetches: make(map[string]int),
		block: ledger.BlockReference{
			Blockhash:            "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N",
			LastValidBlockHeight: 250_000_150,
		},
	}
}

// Add registers a committed transaction and marks it confirmed.
func (l *Ledger) Add(tx *ledger.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy := *tx
	l.txs[tx.Signature] = &copy
	if _, ok := l.levels[tx.Signature]; !ok {
		l.levels[tx.Signature] = ledger.LevelConfirmed
	}
}

// AddTransfer registers a successful single-instruction system transfer of
// amount SOL.
func (l *Ledger) AddTransfer(signature, from, to string, amount decimal.Decimal) {
	l.Add(TransferTx(signature, from, to, ledger.ToLamports(amount)))
}

// SetLevel overrides the confirmation level reported for signature.
func (l *Ledger) SetLevel(signature string, level ledger.ConfirmationLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[signature] = level
}

// FailNext makes the next n FetchTransaction calls return err.
func (l *Ledger) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.failures = append(l.failures, err)
	}
}

// FailBlockReference makes FetchRecentBlockReference return err.
func (l *Ledger) FailBlockReference(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockErr = err
}

// FailStatus makes FetchSignatureStatus return err.
func (l *Ledger) FailStatus(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statusErr = err
}

// Fetches returns how many times FetchTransaction was called for signature.
func (l *Ledger) Fetches(signature string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetches[signature]
}

// TotalFetches returns the number of FetchTransaction calls across signatures.
func (l *Ledger) TotalFetches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.fetches {
		n += c
	}
	return n
}

// Block returns the block reference handed out by the ledger.
func (l *Ledger) Block() ledger.BlockReference {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block
}

func (l *Ledger) FetchTransaction(ctx context.Context, signature string) (*ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrTransport, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches[signature]++

	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return nil, err
	}

	tx, ok := l.txs[signature]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, signature)
	}
	copy := *tx
	return &copy, nil
}

func (l *Ledger) FetchSignatureStatus(_ context.Context, signature string) (ledger.ConfirmationLevel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statusErr != nil {
		return ledger.LevelUnknown, l.statusErr
	}
	return l.levels[signature], nil
}

func (l *Ledger) FetchRecentBlockReference(_ context.Context) (*ledger.BlockReference, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blockErr != nil {
		return nil, l.blockErr
	}
	ref := l.block
	return &ref, nil
}

// TransferTx builds a committed transaction holding one system transfer.
func TransferTx(signature, from, to string, lamports uint64) *ledger.Transaction {
	return &ledger.Transaction{
		Signature: signature,
		Slot:      250_000_000,
		Instructions: []ledger.Instruction{
			SystemTransfer(from, to, lamports),
		},
	}
}

// SystemTransfer builds a parsed system-program transfer instruction.
func SystemTransfer(from, to string, lamports uint64) ledger.Instruction {
	return ledger.Instruction{
		Program:   "system",
		ProgramID: "11111111111111111111111111111111",
		Type:      "transfer",
		Transfer: &ledger.Transfer{
			Source:      from,
			Destination: to,
			Lamports:    lamports,
		},
	}
}
