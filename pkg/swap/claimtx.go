package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
	"github.com/lightningnetwork/lnd/lntypes"
)

// LockupOutput is the detected on-chain output paying to the swap's
// lockup script.
type LockupOutput struct {
	Txid     string
	Vout     uint32
	Amount   uint64
	PkScript []byte
}

// FindLockupOutput scans the lockup transaction for the output paying
// to the expected script.
func FindLockupOutput(lockupTx *wire.MsgTx, expectedPkScript []byte) (*LockupOutput, error) {
	for vout, out := range lockupTx.TxOut {
		if bytes.Equal(out.PkScript, expectedPkScript) {
			amount, err := safecast.ToUint64(out.Value)
			if err != nil {
				return nil, fmt.Errorf("lockup output value: %w", err)
			}
			return &LockupOutput{
				Txid:     lockupTx.TxHash().String(),
				Vout:     uint32(vout),
				Amount:   amount,
				PkScript: out.PkScript,
			}, nil
		}
	}
	return nil, fmt.Errorf("lockup output not found for pkScript=%x", expectedPkScript)
}

type ClaimTransactionParams struct {
	Lockup          LockupOutput
	DestinationAddr string
	Network         *chaincfg.Params
	FeeRate         float64 // sat/vbyte
	DustLimit       uint64
}

const (
	// key-path witness: one 64-byte schnorr signature
	keyPathWitnessLen = 64

	maxFeeIterations = 10
)

// ConstructClaimTransaction builds the single-input single-output
// transaction spending the lockup via the cooperative key path. The
// fee is found by fixed-point iteration: size the transaction, derive
// the fee from its vsize, resize, and repeat until the fee implied by
// the new size stops changing. Since the value field is fixed-width
// this converges on the second pass.
func ConstructClaimTransaction(params ClaimTransactionParams) (*wire.MsgTx, error) {
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
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  *lockupHash,
			Index: params.Lockup.Vout,
		},
		Sequence: wire.MaxTxInSequenceNum,
		// placeholder witness so the measured weight matches the
		// signed transaction
		Witness: wire.TxWitness{make([]byte, keyPathWitnessLen)},
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
			return nil, fmt.Errorf("claim output value: %w", err)
		}
		tx.TxOut[0].Value = outValue
	}

	tx.TxIn[0].Witness = nil

	return tx, nil
}

func computeVSize(tx *wire.MsgTx) lntypes.VByte {
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize() // including witness
	weight := totalSize + baseSize*3
	return lntypes.WeightUnit(uint64(weight)).ToVB()
}

func payToAddrScript(addr btcutil.Address) ([]byte, error) {
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash,
		*btcutil.AddressWitnessScriptHash,
		*btcutil.AddressTaproot:
		// Witness addresses supported
		return txscript.PayToAddrScript(addr)
	default:
		return nil, fmt.Errorf("unsupported address type: %T", addr)
	}
}

func serializeTransaction(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func deserializeTransaction(txHex string) (*wire.MsgTx, error) {
	txBytes, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}

	return tx, nil
}
