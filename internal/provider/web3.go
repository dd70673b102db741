package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/sagapay/internal/idgen"
	"github.com/mbd888/sagapay/internal/payment"
)

// Web3Client settles payments via USDC transfer to a treasury address.
// The transfer itself happens client-side; this client issues a deposit
// reference at initiate time and validates the settlement transaction
// hash at confirm time. Actual on-chain observation arrives through the
// webhook path (a chain watcher posting canonical events).
type Web3Client struct {
	treasuryAddr string
}

// NewWeb3Client creates a web3 settlement client paying into treasuryAddr.
func NewWeb3Client(treasuryAddr string) (*Web3Client, error) {
	if !common.IsHexAddress(treasuryAddr) {
		return nil, errors.New("provider: treasury address is not a valid hex address")
	}
	return &Web3Client{treasuryAddr: strings.ToLower(treasuryAddr)}, nil
}

func (w *Web3Client) Name() string { return "web3" }

// Initiate issues a deposit reference the payer includes with the transfer.
func (w *Web3Client) Initiate(ctx context.Context, req *payment.Request) (*InitiateResult, error) {
	return &InitiateResult{
		PaymentID:   idgen.WithPrefix("w3p_"),
		ClientToken: w.treasuryAddr,
		Status:      "awaiting_transfer",
	}, nil
}

// Confirm validates the settlement transaction hash supplied by the payer
// or the chain watcher.
func (w *Web3Client) Confirm(ctx context.Context, paymentID string, confirmation map[string]string) (*ConfirmResult, error) {
	txHash := confirmation["tx_hash"]
	if len(txHash) != 66 || !strings.HasPrefix(txHash, "0x") {
		return nil, &Error{Provider: "web3", Code: "invalid_tx_hash", Err: errors.New("malformed transaction hash")}
	}

	hash := common.HexToHash(txHash)
	if hash == (common.Hash{}) {
		return nil, &Error{Provider: "web3", Code: "invalid_tx_hash", Err: errors.New("zero transaction hash")}
	}

	return &ConfirmResult{
		PaymentID:   paymentID,
		Status:      "succeeded",
		ProviderRef: hash.Hex(),
	}, nil
}

// Void is a no-op: before settlement there is nothing on-chain to undo.
func (w *Web3Client) Void(ctx context.Context, paymentID string) error {
	return nil
}

// Refund returns settled funds via an outbound treasury transfer, which is
// an operator action outside this client.
func (w *Web3Client) Refund(ctx context.Context, paymentID, amount string) error {
	return &Error{Provider: "web3", Code: "manual_refund_required",
		Err: errors.New("on-chain refunds require an operator-signed treasury transfer")}
}
