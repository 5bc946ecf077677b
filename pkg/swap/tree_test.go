package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/input"
	"github.com/stretchr/testify/require"
	"github.com/tideswap/swapd/pkg/boltz"
)

type treeFixture struct {
	serverKey       *btcec.PrivateKey
	ourKey          *btcec.PrivateKey
	preimage        []byte
	preimageHash160 []byte
	claimScript     []byte
	refundScript    []byte
	tree            boltz.SwapTree
}

func newTreeFixture(t *testing.T) *treeFixture {
	t.Helper()

	serverKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ourKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	preimage := randomBytes(t, 32)
	buf := sha256.Sum256(preimage)
	preimageHash160 := input.Ripemd160H(buf[:])

	claimScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(preimageHash160).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(ourKey.PubKey())).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)

	refundScript, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(ourKey.PubKey())).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(800_000).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		Script()
	require.NoError(t, err)

	return &treeFixture{
		serverKey:       serverKey,
		ourKey:          ourKey,
		preimage:        preimage,
		preimageHash160: preimageHash160,
		claimScript:     claimScript,
		refundScript:    refundScript,
		tree: boltz.SwapTree{
			ClaimLeaf: boltz.SwapTreeLeaf{
				Version: uint8(txscript.BaseLeafVersion),
				Output:  hex.EncodeToString(claimScript),
			},
			RefundLeaf: boltz.SwapTreeLeaf{
				Version: uint8(txscript.BaseLeafVersion),
				Output:  hex.EncodeToString(refundScript),
			},
		},
	}
}

func (f *treeFixture) build(t *testing.T) *TreeInfo {
	t.Helper()
	info, err := NewTreeInfo(f.tree, f.serverKey.PubKey(), f.ourKey.PubKey())
	require.NoError(t, err)
	return info
}

func TestNewTreeInfo(t *testing.T) {
	t.Run("merkle root matches txscript assembly", func(t *testing.T) {
		f := newTreeFixture(t)
		info := f.build(t)

		assembled := txscript.AssembleTaprootScriptTree(
			txscript.NewBaseTapLeaf(f.claimScript),
			txscript.NewBaseTapLeaf(f.refundScript),
		)
		rootHash := assembled.RootNode.TapHash()
		require.Equal(t, rootHash[:], info.MerkleRoot())
	})

	t.Run("output key is tweaked aggregate", func(t *testing.T) {
		f := newTreeFixture(t)
		info := f.build(t)

		expected := txscript.ComputeTaprootOutputKey(info.InternalKey(), info.MerkleRoot())
		require.True(t, expected.IsEqual(info.OutputKey()))
	})

	t.Run("unsupported leaf version rejected", func(t *testing.T) {
		f := newTreeFixture(t)
		f.tree.ClaimLeaf.Version = 0xc2
		_, err := NewTreeInfo(f.tree, f.serverKey.PubKey(), f.ourKey.PubKey())
		require.Error(t, err)
	})
}

func TestValidateLockupAddress(t *testing.T) {
	params := &chaincfg.RegressionNetParams

	t.Run("matching address accepted", func(t *testing.T) {
		f := newTreeFixture(t)
		info := f.build(t)

		addr, err := btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(info.OutputKey()), params,
		)
		require.NoError(t, err)

		require.NoError(t, info.ValidateLockupAddress(addr.EncodeAddress(), params))
	})

	t.Run("foreign address rejected", func(t *testing.T) {
		f := newTreeFixture(t)
		info := f.build(t)

		otherKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		addr, err := btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(otherKey.PubKey()), params,
		)
		require.NoError(t, err)

		err = info.ValidateLockupAddress(addr.EncodeAddress(), params)
		require.ErrorIs(t, err, ErrKeyAggregationMismatch)
	})
}

func TestControlBlock(t *testing.T) {
	f := newTreeFixture(t)
	info := f.build(t)

	t.Run("claim path proves inclusion", func(t *testing.T) {
		cb, err := txscript.ParseControlBlock(info.ControlBlock(true))
		require.NoError(t, err)

		root := cb.RootHash(f.claimScript)
		require.Equal(t, info.MerkleRoot(), root)
	})

	t.Run("refund path proves inclusion", func(t *testing.T) {
		cb, err := txscript.ParseControlBlock(info.ControlBlock(false))
		require.NoError(t, err)

		root := cb.RootHash(f.refundScript)
		require.Equal(t, info.MerkleRoot(), root)
	})
}

func TestLeafValidation(t *testing.T) {
	t.Run("claim leaf commits to our hash and key", func(t *testing.T) {
		f := newTreeFixture(t)
		info := f.build(t)
		require.NoError(t, info.validateClaimLeaf(f.preimageHash160, f.ourKey.PubKey()))
	})

	t.Run("claim leaf with foreign key rejected", func(t *testing.T) {
		f := newTreeFixture(t)
		info := f.build(t)

		otherKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		require.Error(t, info.validateClaimLeaf(f.preimageHash160, otherKey.PubKey()))
	})

	t.Run("claim leaf with foreign hash rejected", func(t *testing.T) {
		f := newTreeFixture(t)
		info := f.build(t)
		require.Error(t, info.validateClaimLeaf(randomBytes(t, 20), f.ourKey.PubKey()))
	})

	t.Run("refund leaf pays to our key", func(t *testing.T) {
		f := newTreeFixture(t)
		info := f.build(t)
		require.NoError(t, info.validateRefundLeaf(f.ourKey.PubKey()))

		otherKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		require.Error(t, info.validateRefundLeaf(otherKey.PubKey()))
	})
}
