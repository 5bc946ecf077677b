package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
	"github.com/tideswap/swapd/pkg/boltz"
)

// FeeEstimator supplies the target fee rate in sat/vbyte for claim and
// refund transactions.
type FeeEstimator interface {
	FeeRate(ctx context.Context) (float64, error)
}

// Store persists swap snapshots. Implementations must be safe for
// concurrent use; the handler saves on creation and on every terminal
// transition.
type Store interface {
	Save(ctx context.Context, swap *Swap, state State) error
}

type HandlerConfig struct {
	Api          *boltz.Api
	Network      *chaincfg.Params
	FeeEstimator FeeEstimator

	// From/To select the swap pair as the service names the
	// currencies.
	From boltz.Currency
	To   boltz.Currency

	// DustLimit in sats below which claim outputs are refused.
	DustLimit uint64
	// MaxQuoteDeviationPPM bounds accepted renegotiated quotes.
	// Zero accepts any server quote.
	MaxQuoteDeviationPPM uint64
	// SwapTimeout bounds how long a session waits for the next event
	// before falling back to the refund path.
	SwapTimeout time.Duration

	// Funder locks our counter-ledger funds for outbound swaps.
	// Optional; when nil, funding is expected to happen out of band.
	Funder LockupFunder

	// Store is optional; when nil swaps are not persisted.
	Store Store

	ReferralId string
}

// Handler creates swaps against the service and drives each one
// through a dedicated session until it terminates.
type Handler struct {
	cfg HandlerConfig
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Api == nil {
		return nil, fmt.Errorf("missing api client")
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("missing network params")
	}
	if cfg.FeeEstimator == nil {
		return nil, fmt.Errorf("missing fee estimator")
	}
	if cfg.SwapTimeout <= 0 {
		cfg.SwapTimeout = 30 * time.Minute
	}
	return &Handler{cfg: cfg}, nil
}

type SwapRequest struct {
	Amount uint64
	// DestinationAddr receives the claimed funds (outbound swaps).
	DestinationAddr string
	// RefundAddr receives refunded funds when the swap expires
	// (inbound swaps).
	RefundAddr string
	// OnEvent receives terminal notifications. Optional.
	OnEvent EventCallback
}

// SwapOut creates an outbound swap: the service locks on-chain funds
// which we claim cooperatively. Blocks until the swap terminates or
// ctx is cancelled.
func (h *Handler) SwapOut(ctx context.Context, req SwapRequest) (*Swap, error) {
	if req.DestinationAddr == "" {
		return nil, fmt.Errorf("missing destination address")
	}

	swap, tree, err := h.createSwap(ctx, req, DirectionOut)
	if err != nil {
		return nil, err
	}

	collab := Collaborators{
		Funder: h.cfg.Funder,
		Quoter: NewQuoteNegotiator(h.cfg.Api, h.cfg.MaxQuoteDeviationPPM),
		Claimer: &cooperativeClaimer{
			api:             h.cfg.Api,
			tree:            tree,
			network:         h.cfg.Network,
			currency:        h.cfg.To,
			destinationAddr: req.DestinationAddr,
			feeEstimator:    h.cfg.FeeEstimator,
			dustLimit:       h.cfg.DustLimit,
		},
	}

	return h.run(ctx, swap, collab)
}

// SwapIn creates an inbound swap: we lock on-chain funds which the
// service claims with our cooperative partial signature. Blocks until
// the swap terminates or ctx is cancelled. The returned swap carries
// the lockup address and amount the caller must fund.
func (h *Handler) SwapIn(ctx context.Context, req SwapRequest) (*Swap, error) {
	if req.RefundAddr == "" {
		return nil, fmt.Errorf("missing refund address")
	}

	swap, tree, err := h.createSwap(ctx, req, DirectionIn)
	if err != nil {
		return nil, err
	}

	collab := Collaborators{
		Quoter: NewQuoteNegotiator(h.cfg.Api, h.cfg.MaxQuoteDeviationPPM),
		CrossSigner: &serverClaimSigner{
			api:  h.cfg.Api,
			tree: tree,
		},
		Refunder: &scriptRefunder{
			api:          h.cfg.Api,
			tree:         tree,
			network:      h.cfg.Network,
			currency:     h.cfg.From,
			refundAddr:   req.RefundAddr,
			feeEstimator: h.cfg.FeeEstimator,
			dustLimit:    h.cfg.DustLimit,
		},
	}

	return h.run(ctx, swap, collab)
}

// createSwap performs the creation round-trip and validates everything
// the service published before any funds move: leaf scripts, key
// aggregation and the lockup address.
func (h *Handler) createSwap(
	ctx context.Context, req SwapRequest, direction Direction,
) (*Swap, *TreeInfo, error) {
	preimage, err := GeneratePreimage()
	if err != nil {
		return nil, nil, err
	}

	ownKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate swap key: %w", err)
	}

	hash256 := sha256Hash(preimage)
	ownPubHex := hex.EncodeToString(ownKey.PubKey().SerializeCompressed())

	request := boltz.CreateChainSwapRequest{
		From:            h.cfg.From,
		To:              h.cfg.To,
		PreimageHash:    hex.EncodeToString(hash256),
		ClaimPublicKey:  ownPubHex,
		RefundPublicKey: ownPubHex,
		ReferralId:      h.cfg.ReferralId,
	}
	if direction == DirectionOut {
		request.ServerLockAmount = req.Amount
	} else {
		request.UserLockAmount = req.Amount
	}

	resp, err := h.cfg.Api.CreateChainSwap(request)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create swap: %w", err)
	}

	// the leg this engine manages on-chain
	leg := resp.ClaimDetails
	if direction == DirectionIn {
		leg = resp.LockupDetails
	}
	if leg.SwapTree == nil {
		return nil, nil, fmt.Errorf("%w: no swap tree on managed leg", ErrProtocolViolation)
	}

	serverPubKey, err := parsePubkey(leg.ServerPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("server public key: %w", err)
	}

	swap, err := NewSwap(
		resp.Id, direction, leg.Amount,
		preimage, ownKey, serverPubKey, req.OnEvent,
	)
	if err != nil {
		return nil, nil, err
	}
	swap.TimeoutBlockHeight = leg.TimeoutBlockHeight

	tree, err := NewTreeInfo(*leg.SwapTree, serverPubKey, ownKey.PubKey())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid swap tree: %w", err)
	}

	if direction == DirectionOut {
		if err := tree.validateClaimLeaf(swap.PreimageHash160, ownKey.PubKey()); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
	} else {
		if !bytes.Contains(tree.ClaimLeaf.Script, swap.PreimageHash160) {
			return nil, nil, fmt.Errorf(
				"%w: claim leaf does not commit to our preimage hash", ErrProtocolViolation)
		}
		if err := tree.validateRefundLeaf(ownKey.PubKey()); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
	}

	if err := tree.ValidateLockupAddress(leg.LockupAddress, h.cfg.Network); err != nil {
		return nil, nil, err
	}

	swap.Tree = tree
	swap.RefundAddr = req.RefundAddr

	log.Infof("Created %s swap %s for %d sats (lockup %s, timeout height %d)",
		direction, swap.Id, swap.Amount, leg.LockupAddress, swap.TimeoutBlockHeight)

	if h.cfg.Store != nil {
		if err := h.cfg.Store.Save(ctx, swap, StateCreated); err != nil {
			return nil, nil, fmt.Errorf("failed to persist swap: %w", err)
		}
	}

	return swap, tree, nil
}

func (h *Handler) run(ctx context.Context, swap *Swap, collab Collaborators) (*Swap, error) {
	session, err := NewSession(swap, collab)
	if err != nil {
		return nil, err
	}

	ws := h.cfg.Api.NewWebsocket()
	if err := ws.ConnectAndSubscribe(ctx, []string{swap.Id}, h.cfg.SwapTimeout); err != nil {
		return nil, fmt.Errorf("failed to subscribe to swap updates: %w", err)
	}
	defer ws.Close()

	session.Run(ctx, ws.Updates, h.cfg.SwapTimeout)

	if h.cfg.Store != nil {
		if err := h.cfg.Store.Save(ctx, swap, session.State()); err != nil {
			log.WithError(err).Errorf("Failed to persist terminal swap %s", swap.Id)
		}
	}

	if swap.Status == StatusFailed {
		return swap, fmt.Errorf("swap %s failed: %s", swap.Id, swap.Error)
	}
	return swap, nil
}

// RefundSwap attempts the unilateral script-path refund of the given
// swap's lockup. Used when resuming an expired swap after a restart.
func (h *Handler) RefundSwap(ctx context.Context, swap *Swap) (string, error) {
	if swap.Tree == nil {
		return "", fmt.Errorf("missing swap tree for %s", swap.Id)
	}
	if swap.RefundAddr == "" {
		return "", fmt.Errorf("missing refund address for %s", swap.Id)
	}

	refunder := &scriptRefunder{
		api:          h.cfg.Api,
		tree:         swap.Tree,
		network:      h.cfg.Network,
		currency:     h.cfg.From,
		refundAddr:   swap.RefundAddr,
		feeEstimator: h.cfg.FeeEstimator,
		dustLimit:    h.cfg.DustLimit,
	}

	txid, err := refunder.Refund(ctx, swap)
	if err != nil {
		return "", err
	}

	swap.Refund(txid)
	if h.cfg.Store != nil {
		if err := h.cfg.Store.Save(ctx, swap, StateRefunded); err != nil {
			log.WithError(err).Errorf("Failed to persist refunded swap %s", swap.Id)
		}
	}
	return txid, nil
}

// cooperativeClaimer builds our claim transaction, runs the two-round
// cooperative signing exchange and broadcasts the result. If the
// cooperative path fails after the lockup is spendable, it falls back
// to the unilateral script-path claim.
type cooperativeClaimer struct {
	api             *boltz.Api
	tree            *TreeInfo
	network         *chaincfg.Params
	currency        boltz.Currency
	destinationAddr string
	feeEstimator    FeeEstimator
	dustLimit       uint64
}

func (c *cooperativeClaimer) Claim(
	ctx context.Context, swap *Swap, lockupTxHex string,
) (string, error) {
	if lockupTxHex == "" {
		txs, err := c.api.GetChainSwapTransactions(swap.Id)
		if err != nil {
			return "", fmt.Errorf("failed to fetch lockup transaction: %w", err)
		}
		if txs.ServerLock == nil {
			return "", fmt.Errorf("%w: no server lockup transaction", ErrProtocolViolation)
		}
		lockupTxHex = txs.ServerLock.Hex
	}

	lockupTx, err := deserializeTransaction(lockupTxHex)
	if err != nil {
		return "", fmt.Errorf("invalid lockup transaction: %w", err)
	}

	expectedScript, err := c.tree.LockupScript()
	if err != nil {
		return "", err
	}

	lockup, err := FindLockupOutput(lockupTx, expectedScript)
	if err != nil {
		return "", err
	}
	if lockup.Amount < swap.Amount {
		return "", fmt.Errorf("%w: lockup pays %d, expected %d",
			ErrInsufficientAmount, lockup.Amount, swap.Amount)
	}

	feeRate, err := c.feeEstimator.FeeRate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to estimate fee rate: %w", err)
	}

	claimTx, err := ConstructClaimTransaction(ClaimTransactionParams{
		Lockup:          *lockup,
		DestinationAddr: c.destinationAddr,
		Network:         c.network,
		FeeRate:         feeRate,
		DustLimit:       c.dustLimit,
	})
	if err != nil {
		return "", err
	}

	signedTx, err := c.cosignClaim(swap, claimTx, lockup)
	if err != nil {
		log.WithError(err).Warnf(
			"Cooperative claim failed for swap %s, falling back to script path", swap.Id)

		signedTx, err = ConstructScriptClaimTransaction(ScriptSpendParams{
			Swap:            swap,
			Tree:            c.tree,
			Lockup:          *lockup,
			DestinationAddr: c.destinationAddr,
			Network:         c.network,
			FeeRate:         feeRate,
			DustLimit:       c.dustLimit,
		})
		if err != nil {
			return "", fmt.Errorf("script path claim failed: %w", err)
		}
	}

	txHex, err := serializeTransaction(signedTx)
	if err != nil {
		return "", err
	}

	txid, err := c.api.BroadcastTransaction(c.currency, txHex)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast claim: %w", err)
	}

	return txid, nil
}

// cosignClaim runs the two-round MuSig2 exchange over the claim
// transaction: our nonce and the serialized transaction go out with
// the preimage, the service answers with its nonce and partial
// signature, and the aggregate key-path witness is attached on
// success.
func (c *cooperativeClaimer) cosignClaim(
	swap *Swap, claimTx *wire.MsgTx, lockup *LockupOutput,
) (*wire.MsgTx, error) {
	session, err := NewSigningSession(
		swap.OwnKey, swap.ServerPubKey, c.tree.MerkleRoot(), c.tree.OutputKey(),
	)
	if err != nil {
		return nil, err
	}

	ourNonce, err := session.PublicNonce()
	if err != nil {
		return nil, err
	}

	claimTxHex, err := serializeTransaction(claimTx)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.SubmitChainSwapClaim(swap.Id, boltz.ChainSwapClaimRequest{
		Preimage: hex.EncodeToString(swap.Preimage),
		ToSign: &boltz.ToSign{
			Nonce:   SerializePubNonce(ourNonce),
			ClaimTx: claimTxHex,
			Index:   0,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit claim: %w", err)
	}

	theirNonce, err := ParsePubNonce(resp.PubNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := session.AggregateNonces(theirNonce); err != nil {
		return nil, err
	}

	value, err := lockupTxOutValue(lockup)
	if err != nil {
		return nil, err
	}
	prevOut := &wire.TxOut{Value: value, PkScript: lockup.PkScript}
	msg, err := TaprootMessage(
		claimTx, 0,
		NewPrevOutputFetcher(prevOut, claimTx.TxIn[0].PreviousOutPoint),
	)
	if err != nil {
		return nil, err
	}

	if _, err := session.PartialSign(msg); err != nil {
		return nil, err
	}

	theirPartial, err := ParsePartialSignatureScalar32(resp.PartialSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	finalSig, err := session.Combine(theirPartial)
	if err != nil {
		return nil, err
	}

	claimTx.TxIn[0].Witness = wire.TxWitness{finalSig.Serialize()}
	return claimTx, nil
}

// serverClaimSigner contributes our partial signature to the service's
// claim of our lockup. The message is the service-computed sighash; we
// never see its transaction.
type serverClaimSigner struct {
	api  *boltz.Api
	tree *TreeInfo
}

func (s *serverClaimSigner) SignServerClaim(ctx context.Context, swap *Swap) error {
	details, err := s.api.GetChainSwapClaimDetails(swap.Id)
	if err != nil {
		return fmt.Errorf("failed to fetch claim details: %w", err)
	}

	serverPubKey, err := parsePubkey(details.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: claim details public key: %v", ErrProtocolViolation, err)
	}
	if !serverPubKey.IsEqual(swap.ServerPubKey) {
		return fmt.Errorf("%w: claim details key differs from swap key", ErrProtocolViolation)
	}

	msg, err := parseHash32(details.TransactionHash)
	if err != nil {
		return fmt.Errorf("%w: transaction hash: %v", ErrProtocolViolation, err)
	}

	theirNonce, err := ParsePubNonce(details.PubNonce)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	session, err := NewSigningSession(
		swap.OwnKey, swap.ServerPubKey, s.tree.MerkleRoot(), s.tree.OutputKey(),
	)
	if err != nil {
		return err
	}

	ourNonce, err := session.PublicNonce()
	if err != nil {
		return err
	}
	if err := session.AggregateNonces(theirNonce); err != nil {
		return err
	}

	partial, err := session.PartialSign(msg)
	if err != nil {
		return err
	}

	partialHex, err := SerializePartialSignatureScalar32(partial)
	if err != nil {
		return err
	}

	if _, err := s.api.SubmitChainSwapClaim(swap.Id, boltz.ChainSwapClaimRequest{
		Signature: &boltz.CrossSignSignature{
			PubNonce:         SerializePubNonce(ourNonce),
			PartialSignature: partialHex,
		},
	}); err != nil {
		return fmt.Errorf("failed to submit partial signature: %w", err)
	}

	log.Infof("Cosigned service claim for swap %s", swap.Id)
	return nil
}

// scriptRefunder recovers our lockup through the refund leaf after the
// swap expires.
type scriptRefunder struct {
	api          *boltz.Api
	tree         *TreeInfo
	network      *chaincfg.Params
	currency     boltz.Currency
	refundAddr   string
	feeEstimator FeeEstimator
	dustLimit    uint64
}

func (r *scriptRefunder) Refund(ctx context.Context, swap *Swap) (string, error) {
	txs, err := r.api.GetChainSwapTransactions(swap.Id)
	if err != nil {
		return "", fmt.Errorf("failed to fetch lockup transaction: %w", err)
	}
	if txs.UserLock == nil {
		return "", fmt.Errorf("no lockup transaction to refund")
	}

	lockupTx, err := deserializeTransaction(txs.UserLock.Hex)
	if err != nil {
		return "", fmt.Errorf("invalid lockup transaction: %w", err)
	}

	expectedScript, err := r.tree.LockupScript()
	if err != nil {
		return "", err
	}

	lockup, err := FindLockupOutput(lockupTx, expectedScript)
	if err != nil {
		return "", err
	}

	feeRate, err := r.feeEstimator.FeeRate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to estimate fee rate: %w", err)
	}

	refundTx, err := ConstructRefundTransaction(ScriptSpendParams{
		Swap:            swap,
		Tree:            r.tree,
		Lockup:          *lockup,
		DestinationAddr: r.refundAddr,
		Network:         r.network,
		FeeRate:         feeRate,
		DustLimit:       r.dustLimit,
	})
	if err != nil {
		return "", err
	}

	txHex, err := serializeTransaction(refundTx)
	if err != nil {
		return "", err
	}

	txid, err := r.api.BroadcastTransaction(r.currency, txHex)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast refund: %w", err)
	}

	return txid, nil
}
