package swap

import (
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testWitnessAddr(t *testing.T, params *chaincfg.Params) string {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), params,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func testLockup(t *testing.T, amount uint64) LockupOutput {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	outputKey := txscript.ComputeTaprootOutputKey(key.PubKey(), randomBytes(t, 32))
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	require.NoError(t, err)

	return LockupOutput{
		Txid:     wire.NewMsgTx(2).TxHash().String(),
		Vout:     0,
		Amount:   amount,
		PkScript: pkScript,
	}
}

func TestConstructClaimTransaction(t *testing.T) {
	params := &chaincfg.RegressionNetParams

	t.Run("fee matches signed size at target rate", func(t *testing.T) {
		feeRate := 2.5
		amount := uint64(100_000)

		tx, err := ConstructClaimTransaction(ClaimTransactionParams{
			Lockup:          testLockup(t, amount),
			DestinationAddr: testWitnessAddr(t, params),
			Network:         params,
			FeeRate:         feeRate,
			DustLimit:       546,
		})
		require.NoError(t, err)
		require.Len(t, tx.TxIn, 1)
		require.Len(t, tx.TxOut, 1)

		// the returned transaction is unsigned
		require.Empty(t, tx.TxIn[0].Witness)

		// attach the key-path witness and check the realized fee
		tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 64)}
		vbytes := computeVSize(tx)
		wantFee := uint64(math.Ceil(float64(vbytes) * feeRate))
		gotFee := amount - uint64(tx.TxOut[0].Value)
		require.Equal(t, wantFee, gotFee)
	})

	t.Run("fee is a fixed point", func(t *testing.T) {
		feeRate := 10.0
		amount := uint64(50_000)
		lockup := testLockup(t, amount)
		addr := testWitnessAddr(t, params)

		build := func() uint64 {
			tx, err := ConstructClaimTransaction(ClaimTransactionParams{
				Lockup:          lockup,
				DestinationAddr: addr,
				Network:         params,
				FeeRate:         feeRate,
				DustLimit:       546,
			})
			require.NoError(t, err)
			return uint64(tx.TxOut[0].Value)
		}

		first := build()
		second := build()
		require.Equal(t, first, second)
	})

	t.Run("amount below fee plus dust rejected", func(t *testing.T) {
		_, err := ConstructClaimTransaction(ClaimTransactionParams{
			Lockup:          testLockup(t, 600),
			DestinationAddr: testWitnessAddr(t, params),
			Network:         params,
			FeeRate:         2.0,
			DustLimit:       546,
		})
		require.ErrorIs(t, err, ErrInsufficientAmount)
	})

	t.Run("non-witness destination rejected", func(t *testing.T) {
		key, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		legacy, err := btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(key.PubKey().SerializeCompressed()), params,
		)
		require.NoError(t, err)

		_, err = ConstructClaimTransaction(ClaimTransactionParams{
			Lockup:          testLockup(t, 100_000),
			DestinationAddr: legacy.EncodeAddress(),
			Network:         params,
			FeeRate:         2.0,
			DustLimit:       546,
		})
		require.Error(t, err)
	})
}

func TestFindLockupOutput(t *testing.T) {
	f := newTreeFixture(t)
	info := f.build(t)
	expectedScript, err := info.LockupScript()
	require.NoError(t, err)

	t.Run("finds the paying output", func(t *testing.T) {
		lockupTx := wire.NewMsgTx(2)
		lockupTx.AddTxOut(&wire.TxOut{Value: 1_000, PkScript: []byte{0x51}})
		lockupTx.AddTxOut(&wire.TxOut{Value: 42_000, PkScript: expectedScript})

		out, err := FindLockupOutput(lockupTx, expectedScript)
		require.NoError(t, err)
		require.Equal(t, uint32(1), out.Vout)
		require.Equal(t, uint64(42_000), out.Amount)
		require.Equal(t, lockupTx.TxHash().String(), out.Txid)
	})

	t.Run("missing output is an error", func(t *testing.T) {
		lockupTx := wire.NewMsgTx(2)
		lockupTx.AddTxOut(&wire.TxOut{Value: 1_000, PkScript: []byte{0x51}})

		_, err := FindLockupOutput(lockupTx, expectedScript)
		require.Error(t, err)
	})
}

func TestScriptSpends(t *testing.T) {
	params := &chaincfg.RegressionNetParams

	newSpendFixture := func(t *testing.T) (*treeFixture, *TreeInfo, *Swap, LockupOutput) {
		t.Helper()
		f := newTreeFixture(t)
		info := f.build(t)

		sw, err := NewSwap(
			"swp1", DirectionIn, 100_000,
			f.preimage, f.ourKey, f.serverKey.PubKey(), nil,
		)
		require.NoError(t, err)
		sw.TimeoutBlockHeight = 800_000
		sw.Tree = info

		pkScript, err := info.LockupScript()
		require.NoError(t, err)

		lockupTx := wire.NewMsgTx(2)
		lockupTx.AddTxOut(&wire.TxOut{Value: 100_000, PkScript: pkScript})
		lockup, err := FindLockupOutput(lockupTx, pkScript)
		require.NoError(t, err)

		return f, info, sw, *lockup
	}

	t.Run("script claim carries preimage witness", func(t *testing.T) {
		f, info, sw, lockup := newSpendFixture(t)

		tx, err := ConstructScriptClaimTransaction(ScriptSpendParams{
			Swap:            sw,
			Tree:            info,
			Lockup:          lockup,
			DestinationAddr: testWitnessAddr(t, params),
			Network:         params,
			FeeRate:         2.0,
			DustLimit:       546,
		})
		require.NoError(t, err)

		witness := tx.TxIn[0].Witness
		require.Len(t, witness, 4)
		require.Len(t, witness[0], 64)
		require.Equal(t, f.preimage, []byte(witness[1]))
		require.Equal(t, f.claimScript, []byte(witness[2]))
		require.Equal(t, uint32(wire.MaxTxInSequenceNum), tx.TxIn[0].Sequence)
		require.Zero(t, tx.LockTime)
	})

	t.Run("refund enforces timeout locktime", func(t *testing.T) {
		f, info, sw, lockup := newSpendFixture(t)

		tx, err := ConstructRefundTransaction(ScriptSpendParams{
			Swap:            sw,
			Tree:            info,
			Lockup:          lockup,
			DestinationAddr: testWitnessAddr(t, params),
			Network:         params,
			FeeRate:         2.0,
			DustLimit:       546,
		})
		require.NoError(t, err)

		witness := tx.TxIn[0].Witness
		require.Len(t, witness, 3)
		require.Equal(t, f.refundScript, []byte(witness[1]))
		require.Equal(t, sw.TimeoutBlockHeight, tx.LockTime)
		require.Equal(t, uint32(wire.MaxTxInSequenceNum-1), tx.TxIn[0].Sequence)
	})
}
