package swap

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
)

// ScriptSpendParams describe a unilateral (script-path) spend of the
// lockup output, either through the claim leaf with the preimage or
// through the refund leaf after the timeout.
type ScriptSpendParams struct {
	Swap            *Swap
	Tree            *TreeInfo
	Lockup          LockupOutput
	DestinationAddr string
	Network         *chaincfg.Params
	FeeRate         float64 // sat/vbyte
	DustLimit       uint64
}

// ConstructScriptClaimTransaction spends the lockup through the claim
// leaf: witness [signature, preimage, claimScript, controlBlock]. Used
// as the fallback when the cooperative key-path claim cannot be
// completed.
func ConstructScriptClaimTransaction(params ScriptSpendParams) (*wire.MsgTx, error) {
	if err := validatePreimage(params.Swap.Preimage, params.Swap.PreimageHash160); err != nil {
		return nil, err
	}

	controlBlock := params.Tree.ControlBlock(true)
	placeholder := wire.TxWitness{
		make([]byte, schnorr.SignatureSize),
		make([]byte, len(params.Swap.Preimage)),
		params.Tree.ClaimLeaf.Script,
		controlBlock,
	}

	tx, err := buildScriptSpendSkeleton(params, placeholder, 0, wire.MaxTxInSequenceNum)
	if err != nil {
		return nil, err
	}

	sig, err := signScriptSpend(params, tx, params.Tree.ClaimLeaf)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = wire.TxWitness{
		sig,
		params.Swap.Preimage,
		params.Tree.ClaimLeaf.Script,
		controlBlock,
	}

	return tx, nil
}

// ConstructRefundTransaction spends the lockup through the refund leaf
// after the timeout block height: witness [signature, refundScript,
// controlBlock]. The transaction carries the timeout as nLockTime so
// the CLTV check in the leaf passes, and a non-final sequence so the
// locktime is enforced.
func ConstructRefundTransaction(params ScriptSpendParams) (*wire.MsgTx, error) {
	controlBlock := params.Tree.ControlBlock(false)
	placeholder := wire.TxWitness{
		make([]byte, schnorr.SignatureSize),
		params.Tree.RefundLeaf.Script,
		controlBlock,
	}

	tx, err := buildScriptSpendSkeleton(
		params, placeholder,
		params.Swap.TimeoutBlockHeight,
		wire.MaxTxInSequenceNum-1,
	)
	if err != nil {
		return nil, err
	}

	sig, err := signScriptSpend(params, tx, params.Tree.RefundLeaf)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = wire.TxWitness{
		sig,
		params.Tree.RefundLeaf.Script,
		controlBlock,
	}

	return tx, nil
}

// buildScriptSpendSkeleton builds the unsigned single-input
// single-output transaction with the fee sized against the placeholder
// witness.
func buildScriptSpendSkeleton(
	params ScriptSpendParams,
	placeholderWitness wire.TxWitness,
	lockTime uint32,
	sequence uint32,
) (*wire.MsgTx, error) {
	lockupHash, err := chainhash.NewHashFromStr(params.Lockup.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid lockup txid: %w", err)
	}

	destAddr, err := btcutil.DecodeAddress(params.DestinationAddr, params.Network)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}

	pkScript, err := payToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  *lockupHash,
			Index: params.Lockup.Vout,
		},
		Sequence: sequence,
		Witness:  placeholderWitness,
	})

	value, err := safecast.ToInt64(params.Lockup.Amount)
	if err != nil {
		return nil, fmt.Errorf("lockup amount: %w", err)
	}
	tx.AddTxOut(&wire.TxOut{
		Value:    value,
		PkScript: pkScript,
	})

	var fee uint64
	for i := 0; i < maxFeeIterations; i++ {
		vbytes := computeVSize(tx)
		next := uint64(math.Ceil(float64(vbytes) * params.FeeRate))
		if next == fee {
			break
		}
		fee = next

		if params.Lockup.Amount <= fee+params.DustLimit {
			return nil, fmt.Errorf("%w: amount=%d fee=%d dust=%d",
				ErrInsufficientAmount, params.Lockup.Amount, fee, params.DustLimit)
		}

		outValue, err := safecast.ToInt64(params.Lockup.Amount - fee)
		if err != nil {
			return nil, fmt.Errorf("spend output value: %w", err)
		}
		tx.TxOut[0].Value = outValue
	}

	return tx, nil
}

func signScriptSpend(
	params ScriptSpendParams, tx *wire.MsgTx, leaf txscript.TapLeaf,
) ([]byte, error) {
	prevOut := &wire.TxOut{
		PkScript: params.Lockup.PkScript,
	}
	value, err := safecast.ToInt64(params.Lockup.Amount)
	if err != nil {
		return nil, fmt.Errorf("lockup amount: %w", err)
	}
	prevOut.Value = value

	prevOutFetcher := NewPrevOutputFetcher(prevOut, tx.TxIn[0].PreviousOutPoint)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	sigHash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes,
		txscript.SigHashDefault,
		tx,
		0,
		prevOutFetcher,
		leaf,
	)
	if err != nil {
		return nil, fmt.Errorf("CalcTapscriptSignaturehash: %w", err)
	}

	sig, err := schnorr.Sign(params.Swap.OwnKey, sigHash)
	if err != nil {
		return nil, fmt.Errorf("schnorr.Sign: %w", err)
	}

	return sig.Serialize(), nil
}
