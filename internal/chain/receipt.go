package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Outcome is the on-chain state of a submitted transaction.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeReverted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// ErrInvalidTxRef is returned for strings that are not 32-byte hex hashes.
var ErrInvalidTxRef = errors.New("invalid transaction reference")

var txRefPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidTxRef reports whether ref looks like a transaction hash.
func ValidTxRef(ref string) bool {
	return txRefPattern.MatchString(strings.TrimSpace(ref))
}

type receiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReceiptChecker resolves transaction outcomes over JSON-RPC.
type ReceiptChecker struct {
	source        receiptSource
	confirmations uint64
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, confirmations uint64) (*ReceiptChecker, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("chain rpc url required")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return NewReceiptChecker(client, confirmations), nil
}

// NewReceiptChecker wraps a receipt source. A transaction counts as final once
// it is buried under the given number of blocks, including its own.
func NewReceiptChecker(source receiptSource, confirmations uint64) *ReceiptChecker {
	return &ReceiptChecker{source: source, confirmations: confirmations}
}

// Check returns the current outcome for txRef. Unknown transactions are pending.
func (c *ReceiptChecker) Check(ctx context.Context, txRef string) (Outcome, error) {
	if !ValidTxRef(txRef) {
		return OutcomePending, fmt.Errorf("%w: %q", ErrInvalidTxRef, txRef)
	}
	receipt, err := c.source.TransactionReceipt(ctx, common.HexToHash(strings.TrimSpace(txRef)))
	if errors.Is(err, ethereum.NotFound) {
		return OutcomePending, nil
	}
	if err != nil {
		return OutcomePending, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return OutcomeReverted, nil
	}
	if c.confirmations > 1 && receipt.BlockNumber != nil {
		head, err := c.source.BlockNumber(ctx)
		if err != nil {
			return OutcomePending, fmt.Errorf("fetch block number: %w", err)
		}
		if head+1 < receipt.BlockNumber.Uint64()+c.confirmations {
			return OutcomePending, nil
		}
	}
	return OutcomeSuccess, nil
}
