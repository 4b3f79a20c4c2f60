// Package ledger is a thin client for the Solana JSON-RPC node. It maps
// requests to responses and classifies failures; it never retries.
//
// Three failure classes are distinguishable with errors.Is:
//   - ErrNotFound: the node has no record yet (it may still arrive)
//   - ErrTransport: timeout, connectivity or node-side failure (retriable)
//   - ErrMalformed: the response could not be understood (a defect, not retriable)
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("ledger: not found")
	ErrTransport = errors.New("ledger: transport failure")
	ErrMalformed = errors.New("ledger: malformed response")
	ErrClosed    = errors.New("ledger: client closed")
)

// DisplayDecimals is the number of fractional digits between the display
// unit (SOL) and the smallest denomination (lamport).
const DisplayDecimals = 9

// ConfirmationLevel is the commitment a signature has reached on the ledger.
type ConfirmationLevel int

const (
	LevelUnknown ConfirmationLevel = iota
	LevelProcessed
	LevelConfirmed
	LevelFinalized
)

func (l ConfirmationLevel) String() string {
	switch l {
	case LevelProcessed:
		return "processed"
	case LevelConfirmed:
		return "confirmed"
	case LevelFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the level as its wire string.
func (l ConfirmationLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseConfirmationLevel maps the node's confirmationStatus string onto the
// closed set of levels. An empty string means the node did not report one.
func ParseConfirmationLevel(s string) (ConfirmationLevel, error) {
	switch s {
	case "":
		return LevelUnknown, nil
	case "processed":
		return LevelProcessed, nil
	case "confirmed":
		return LevelConfirmed, nil
	case "finalized":
		return LevelFinalized, nil
	default:
		return LevelUnknown, fmt.Errorf("%w: unknown confirmation status %q", ErrMalformed, s)
	}
}

// Transfer is a decoded native transfer between two accounts.
type Transfer struct {
	Source      string
	Destination string
	Lamports    uint64
}

// Instruction is one top-level instruction of a committed transaction.
// Transfer is non-nil only for parsed system-program transfers.
type Instruction struct {
	Program   string
	ProgramID string
	Type      string
	Transfer  *Transfer
}

// IsSystemTransfer reports whether the instruction moves native lamports.
func (ix Instruction) IsSystemTransfer() bool {
	if ix.Transfer == nil || ix.Type != "transfer" {
		return false
	}
	return ix.Program == "system" || ix.ProgramID == solana.SystemProgramID.String()
}

// Transaction is the engine's view of a committed ledger transaction.
type Transaction struct {
	Signature    string
	Slot         uint64
	BlockTime    *time.Time
	Err          json.RawMessage // execution error; nil when the transfer executed
	Instructions []Instruction
}

// Failed reports whether the transaction was included but did not execute.
func (t *Transaction) Failed() bool {
	return len(t.Err) > 0 && string(t.Err) != "null"
}

// BlockReference is a recent blockhash and the last block height at which a
// transaction built on it is still valid.
type BlockReference struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
}

// Reader is the read side of the ledger consumed by the verifier and the
// reconciler.
type Reader interface {
	FetchTransaction(ctx context.Context, signature string) (*Transaction, error)
	FetchSignatureStatus(ctx context.Context, signature string) (ConfirmationLevel, error)
	FetchRecentBlockReference(ctx context.Context) (*BlockReference, error)
}

var lamportsPerSOL = decimal.New(int64(solana.LAMPORTS_PER_SOL), 0)

// ToDisplayUnits converts lamports to SOL exactly.
func ToDisplayUnits(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -DisplayDecimals)
}

// ToLamports converts a SOL amount to lamports, truncating anything below
// the smallest denomination.
func ToLamports(amount decimal.Decimal) uint64 {
	l := amount.Mul(lamportsPerSOL).Truncate(0)
	if l.Sign() <= 0 {
		return 0
	}
	return l.BigInt().Uint64()
}
