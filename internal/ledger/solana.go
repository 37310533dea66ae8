package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxHistoryPages = 10

// SolanaOptions parameterise the Solana RPC client.
type SolanaOptions struct {
	Endpoint      string
	WalletAddress string
	// PrivateKey is the base58-encoded signing key. Optional; submissions
	// fail with ErrSigningUnavailable when absent.
	PrivateKey   string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// SolanaClient implements Client against a Solana JSON-RPC endpoint.
type SolanaClient struct {
	opts   SolanaOptions
	rpc    *rpc.Client
	wallet solana.PublicKey
	signer *solana.PrivateKey
	logger zerolog.Logger
}

// NewSolanaClient validates the wallet configuration and builds a client.
func NewSolanaClient(opts SolanaOptions, logger zerolog.Logger) (*SolanaClient, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("solana rpc endpoint not configured")
	}

	wallet, err := solana.PublicKeyFromBase58(opts.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("parse wallet address: %w", err)
	}

	client := &SolanaClient{
		opts:   opts,
		rpc:    rpc.New(opts.Endpoint),
		wallet: wallet,
		logger: logger.With().Str("component", "solana_client").Logger(),
	}

	if opts.PrivateKey != "" {
		key, err := solana.PrivateKeyFromBase58(opts.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse wallet private key: %w", err)
		}
		if !key.PublicKey().Equals(wallet) {
			return nil, errors.New("wallet private key does not match wallet address")
		}
		client.signer = &key
	} else {
		client.logger.Warn().Msg("no signing key configured; outbound transfers disabled")
	}

	return client, nil
}

// ValidateAddress reports whether addr is a well-formed Solana account
// address.
func ValidateAddress(addr string) error {
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return nil
}

// WalletBalance returns the custodial wallet balance in SOL.
func (c *SolanaClient) WalletBalance(ctx context.Context) (decimal.Decimal, error) {
	var out *rpc.GetBalanceResult
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.rpc.GetBalance(ctx, c.wallet, rpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return LamportsToSOL(out.Value), nil
}

// ListInboundTransfers scans the wallet's signature history back to the
// cursor and returns inbound transfers oldest first. Failed transactions
// are skipped; transfers whose detail cannot be decoded are skipped with a
// warning and retried on the next poll because the tip only advances past
// signatures that were fully inspected.
func (c *SolanaClient) ListInboundTransfers(ctx context.Context, since Cursor, limit int) ([]Transfer, Cursor, error) {
	var until solana.Signature
	if since != "" {
		parsed, err := solana.SignatureFromBase58(string(since))
		if err != nil {
			return nil, since, fmt.Errorf("parse cursor: %w", err)
		}
		until = parsed
	}

	sigs, err := c.collectSignatures(ctx, until, limit)
	if err != nil {
		return nil, since, err
	}
	if len(sigs) == 0 {
		return nil, since, nil
	}

	// Oldest first so the caller can settle in ledger order. The tip only
	// advances past signatures that were fully inspected, so a transient
	// detail-fetch failure leaves the remainder for the next poll.
	transfers := make([]Transfer, 0, len(sigs))
	tip := since
	for i := len(sigs) - 1; i >= 0; i-- {
		info := sigs[i]
		if info.Err != nil {
			tip = Cursor(info.Signature.String())
			continue
		}

		transfer, ok, err := c.inboundDetail(ctx, info.Signature)
		if err != nil {
			c.logger.Warn().Err(err).Str("signature", info.Signature.String()).Msg("failed to inspect transaction; deferring to next poll")
			return transfers, tip, nil
		}
		tip = Cursor(info.Signature.String())
		if ok {
			transfers = append(transfers, transfer)
		}
	}

	return transfers, tip, nil
}

func (c *SolanaClient) collectSignatures(ctx context.Context, until solana.Signature, limit int) ([]*rpc.TransactionSignature, error) {
	if limit <= 0 {
		limit = 50
	}

	var collected []*rpc.TransactionSignature
	var before solana.Signature

	for page := 0; page < maxHistoryPages; page++ {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		}
		if until != (solana.Signature{}) {
			opts.Until = until
		}
		if before != (solana.Signature{}) {
			opts.Before = before
		}

		var batch []*rpc.TransactionSignature
		err := c.withRetry(ctx, func(ctx context.Context) error {
			var err error
			batch, err = c.rpc.GetSignaturesForAddressWithOpts(ctx, c.wallet, opts)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		collected = append(collected, batch...)
		if len(batch) < limit || until == (solana.Signature{}) {
			break
		}
		before = batch[len(batch)-1].Signature
	}

	return collected, nil
}

func (c *SolanaClient) inboundDetail(ctx context.Context, sig solana.Signature) (Transfer, bool, error) {
	res, err := c.getTransaction(ctx, sig)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return Transfer{}, false, nil
		}
		return Transfer{}, false, err
	}
	if res == nil || res.Meta == nil {
		return Transfer{}, false, nil
	}
	if res.Meta.Err != nil {
		return Transfer{}, false, nil
	}

	parsed, err := res.Transaction.GetTransaction()
	if err != nil {
		return Transfer{}, false, fmt.Errorf("decode transaction: %w", err)
	}

	delta, idx, ok := balanceDelta(parsed.Message.AccountKeys, res.Meta.PreBalances, res.Meta.PostBalances, c.wallet)
	if !ok || delta <= 0 {
		return Transfer{}, false, nil
	}

	transfer := Transfer{
		Signature:   sig.String(),
		Destination: c.wallet.String(),
		Amount:      LamportsToSOL(uint64(delta)),
		Slot:        res.Slot,
	}
	if res.BlockTime != nil {
		transfer.BlockTime = res.BlockTime.Time().UTC()
	}
	// First account is the fee payer, which for a plain transfer is the
	// sender. Best effort only; attribution never depends on it.
	if idx != 0 && len(parsed.Message.AccountKeys) > 0 {
		transfer.Source = parsed.Message.AccountKeys[0].String()
	}

	return transfer, true, nil
}

// SubmitTransfer signs and broadcasts a system transfer from the custodial
// wallet. Preflight rejection surfaces as a definitive error; transport
// failure after broadcast is ambiguous and surfaces as ErrRPCUnavailable.
func (c *SolanaClient) SubmitTransfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	if c.signer == nil {
		return "", ErrSigningUnavailable
	}

	dest, err := solana.PublicKeyFromBase58(destination)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, destination)
	}

	lamports := SOLToLamports(amount)
	if lamports == 0 {
		return "", fmt.Errorf("%w: amount rounds to zero lamports", ErrRejectedByNetwork)
	}

	var blockhash *rpc.GetLatestBlockhashResult
	err = c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		blockhash, err = c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return "", err
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, c.wallet, dest).Build(),
		},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(c.wallet),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.wallet) {
			return c.signer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	// Single attempt, no retry: re-sending a transfer whose first attempt
	// may have broadcast would risk a double spend.
	sendCtx, cancel := c.callContext(ctx)
	defer cancel()

	sig, err := c.rpc.SendTransactionWithOpts(sendCtx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", classifySubmitError(err)
	}

	c.logger.Info().Str("signature", sig.String()).Str("destination", destination).Str("amount_sol", amount.String()).Msg("transfer submitted")
	return sig.String(), nil
}

// FindTransfer re-queries ground truth for a submitted signature.
func (c *SolanaClient) FindTransfer(ctx context.Context, signature string) (SubmissionStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return StatusUnknown, fmt.Errorf("parse signature: %w", err)
	}

	res, err := c.getTransaction(ctx, sig)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return StatusUnknown, nil
		}
		return StatusUnknown, err
	}
	if res == nil || res.Meta == nil {
		return StatusUnknown, nil
	}
	if res.Meta.Err != nil {
		return StatusFailedOnChain, nil
	}
	return StatusConfirmed, nil
}

// FindOutbound searches the destination's recent history for a transfer of
// the given amount funded by the custodial wallet.
func (c *SolanaClient) FindOutbound(ctx context.Context, destination string, amount decimal.Decimal, notBefore time.Time) (*Transfer, error) {
	dest, err := solana.PublicKeyFromBase58(destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, destination)
	}

	limit := 25
	var sigs []*rpc.TransactionSignature
	err = c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		sigs, err = c.rpc.GetSignaturesForAddressWithOpts(ctx, dest, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	wantLamports := int64(SOLToLamports(amount))
	for _, info := range sigs {
		if info.Err != nil {
			continue
		}
		if info.BlockTime != nil && info.BlockTime.Time().Before(notBefore) {
			continue
		}

		res, err := c.getTransaction(ctx, info.Signature)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if res == nil || res.Meta == nil || res.Meta.Err != nil {
			continue
		}

		parsed, err := res.Transaction.GetTransaction()
		if err != nil {
			continue
		}

		keys := parsed.Message.AccountKeys
		walletDelta, _, walletOK := balanceDelta(keys, res.Meta.PreBalances, res.Meta.PostBalances, c.wallet)
		destDelta, _, destOK := balanceDelta(keys, res.Meta.PreBalances, res.Meta.PostBalances, dest)
		if !walletOK || !destOK {
			continue
		}
		if walletDelta >= 0 || destDelta != wantLamports {
			continue
		}

		found := &Transfer{
			Signature:   info.Signature.String(),
			Source:      c.wallet.String(),
			Destination: destination,
			Amount:      amount,
			Slot:        res.Slot,
		}
		if res.BlockTime != nil {
			found.BlockTime = res.BlockTime.Time().UTC()
		}
		return found, nil
	}

	return nil, nil
}

func (c *SolanaClient) getTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	var res *rpc.GetTransactionResult
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil && errors.Is(err, rpc.ErrNotFound) {
			// Not retryable; surface immediately.
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, rpc.ErrNotFound
	}
	return res, nil
}

// balanceDelta returns post-pre lamports for the account within the
// transaction, plus the account's index.
func balanceDelta(keys []solana.PublicKey, pre, post []uint64, account solana.PublicKey) (int64, int, bool) {
	for i, key := range keys {
		if !key.Equals(account) {
			continue
		}
		if i >= len(pre) || i >= len(post) {
			return 0, i, false
		}
		return int64(post[i]) - int64(pre[i]), i, true
	}
	return 0, -1, false
}

func (c *SolanaClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *SolanaClient) withRetry(ctx context.Context, op func(context.Context) error) error {
	attempts := c.opts.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	backoff := c.opts.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		opCtx, cancel := c.callContext(ctx)
		err := op(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := time.Duration(attempt+1) * backoff
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %v", ErrRPCUnavailable, lastErr)
}

func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid param") || strings.Contains(msg, "invalid base58") || strings.Contains(msg, "invalid pubkey"):
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	case strings.Contains(msg, "insufficient lamports") || strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "transaction simulation failed") || strings.Contains(msg, "preflight") || strings.Contains(msg, "blockhash not found"):
		return fmt.Errorf("%w: %v", ErrRejectedByNetwork, err)
	default:
		return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
}

var _ Client = (*SolanaClient)(nil)
