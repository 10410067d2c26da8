// Package tonledger anchors batch commitments on the TON blockchain. The
// root hash travels as the text comment of a small transfer from the anchor
// wallet to the anchor address (the wallet itself by default); queries scan
// that address's transaction history for the comment.
package tonledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"asclepius/internal/domain"
	"asclepius/internal/infra/anchor"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
)

const (
	commentPrefix = "asclepius:"
	transferTON   = "0.01"
	scanPageSize  = 50
	scanMaxPages  = 6
)

type Config struct {
	Network   string
	ConfigURL string
	Seed      string
	// AnchorAddress receives the commitment transfers. Empty means the wallet
	// anchors to itself.
	AnchorAddress string
}

type Provider struct {
	cfg     Config
	api     ton.APIClientWrapped
	wallet  *wallet.Wallet
	addr    *address.Address
	enabled bool
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Connect dials the lite servers and derives the anchor wallet. A provider
// that never connects stays registered and reports skipped receipts.
func (p *Provider) Connect(ctx context.Context) error {
	if strings.TrimSpace(p.cfg.Seed) == "" {
		return errors.New("ton wallet seed is required")
	}
	client := liteclient.NewConnectionPool()
	configURL := p.cfg.ConfigURL
	if configURL == "" {
		switch strings.ToLower(p.cfg.Network) {
		case "mainnet":
			configURL = "https://ton.org/global.config.json"
		default:
			configURL = "https://ton.org/testnet-global.config.json"
		}
	}
	if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
		return fmt.Errorf("connect via config %s: %w", configURL, err)
	}
	policy := ton.ProofCheckPolicyFast
	if strings.ToLower(p.cfg.Network) == "mainnet" {
		policy = ton.ProofCheckPolicySecure
	}
	api := ton.NewAPIClient(client, policy).WithRetry()
	w, err := wallet.FromSeed(api, strings.Fields(p.cfg.Seed), wallet.V4R2)
	if err != nil {
		return fmt.Errorf("derive anchor wallet: %w", err)
	}
	p.api = api
	p.wallet = w
	p.addr = w.WalletAddress()
	if target := strings.TrimSpace(p.cfg.AnchorAddress); target != "" {
		parsed, err := address.ParseAddr(target)
		if err != nil {
			return fmt.Errorf("parse anchor address: %w", err)
		}
		p.addr = parsed
	}
	p.enabled = true
	return nil
}

func (p *Provider) ProviderName() string {
	return "tonledger"
}

func (p *Provider) Anchor(ctx context.Context, payload anchor.Payload) domain.AnchorReceipt {
	receipt := domain.AnchorReceipt{
		Provider: p.ProviderName(),
		Status:   domain.AnchorStatusSkipped,
	}
	if p == nil || !p.enabled {
		return receipt
	}
	comment := commentPrefix + payload.RootHash
	if err := p.wallet.Transfer(ctx, p.addr, tlb.MustFromTON(transferTON), comment, true); err != nil {
		receipt.Status = domain.AnchorStatusFailed
		receipt.ErrorCode = errorToCode(ctx, err)
		return receipt
	}
	txHash, anchoredAt, err := p.lastTransaction(ctx)
	if err != nil || txHash == "" {
		// The transfer confirmed; only the receipt lookup failed. Report a
		// failure so the batch stays unanchored and the retry finds the
		// transaction on the next pass.
		receipt.Status = domain.AnchorStatusFailed
		receipt.ErrorCode = domain.AnchorErrorNetwork
		return receipt
	}
	receipt.Status = domain.AnchorStatusAnchored
	receipt.TxHash = txHash
	receipt.AnchoredAt = anchoredAt
	return receipt
}

func (p *Provider) QueryRoot(ctx context.Context, rootHash string) (domain.AnchorStatus, error) {
	status := domain.AnchorStatus{RootHash: rootHash}
	if p == nil || !p.enabled {
		return status, nil
	}
	want := commentPrefix + rootHash
	account, err := p.accountState(ctx)
	if err != nil {
		return domain.AnchorStatus{}, err
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return status, nil
	}
	lt := account.LastTxLT
	hash := account.LastTxHash
	for page := 0; page < scanMaxPages; page++ {
		txs, err := p.api.ListTransactions(ctx, p.addr, scanPageSize, lt, hash)
		if err != nil {
			return domain.AnchorStatus{}, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}
		for _, tx := range txs {
			if extractComment(tx) != want {
				continue
			}
			at := time.Unix(int64(tx.Now), 0).UTC()
			status.Anchored = true
			status.Provider = p.ProviderName()
			status.TxHash = hex.EncodeToString(tx.Hash)
			status.AnchoredAt = &at
			return status, nil
		}
		if len(txs) < scanPageSize {
			break
		}
		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}
	return status, nil
}

func (p *Provider) lastTransaction(ctx context.Context) (string, time.Time, error) {
	account, err := p.accountState(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return "", time.Time{}, nil
	}
	txs, err := p.api.ListTransactions(ctx, p.addr, 1, account.LastTxLT, account.LastTxHash)
	if err != nil || len(txs) == 0 {
		return hex.EncodeToString(account.LastTxHash), time.Now().UTC(), nil
	}
	return hex.EncodeToString(txs[0].Hash), time.Unix(int64(txs[0].Now), 0).UTC(), nil
}

func (p *Provider) accountState(ctx context.Context) (*tlb.Account, error) {
	block, err := p.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}
	account, err := p.api.GetAccount(ctx, block, p.addr)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// extractComment parses a text comment from an incoming internal message.
// TON text comments are opcode 0x00000000 followed by UTF-8 text.
func extractComment(tx *tlb.Transaction) string {
	if tx == nil || tx.IO.In == nil {
		return ""
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Body == nil {
		return ""
	}
	slice := inMsg.Body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}
	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}
	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}
	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func errorToCode(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.AnchorErrorTimeout
	}
	return domain.AnchorErrorNetwork
}
