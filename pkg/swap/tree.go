package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tideswap/swapd/pkg/boltz"
)

// TreeInfo is the parsed form of the script tree published by the
// service for one swap: the two leaf scripts, the merkle root, the
// untweaked aggregate (internal) key and the tweaked output key.
// Immutable once built.
type TreeInfo struct {
	ClaimLeaf  txscript.TapLeaf
	RefundLeaf txscript.TapLeaf

	merkleRoot  []byte
	internalKey *btcec.PublicKey
	outputKey   *btcec.PublicKey
}

// NewTreeInfo decodes the serialized tree and derives the aggregate
// keys. Key order is [server, ours], unsorted; both sides must use the
// same order or aggregation diverges.
func NewTreeInfo(tree boltz.SwapTree, serverPubKey, ourPubKey *btcec.PublicKey) (*TreeInfo, error) {
	claimScript, err := hex.DecodeString(tree.ClaimLeaf.Output)
	if err != nil {
		return nil, fmt.Errorf("decode claim leaf script: %w", err)
	}
	refundScript, err := hex.DecodeString(tree.RefundLeaf.Output)
	if err != nil {
		return nil, fmt.Errorf("decode refund leaf script: %w", err)
	}
	if tree.ClaimLeaf.Version != uint8(txscript.BaseLeafVersion) ||
		tree.RefundLeaf.Version != uint8(txscript.BaseLeafVersion) {
		return nil, fmt.Errorf("unsupported leaf version: claim=%d refund=%d",
			tree.ClaimLeaf.Version, tree.RefundLeaf.Version)
	}

	claimLeafHash := tapLeafHash(tree.ClaimLeaf.Version, claimScript)
	refundLeafHash := tapLeafHash(tree.RefundLeaf.Version, refundScript)
	merkleRoot := computeMerkleRoot(claimLeafHash[:], refundLeafHash[:])

	keys := []*btcec.PublicKey{serverPubKey, ourPubKey}
	aggregateKey, _, _, err := musig2.AggregateKeys(keys, false)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate keys: %w", err)
	}

	internalKey := aggregateKey.FinalKey
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, merkleRoot)

	return &TreeInfo{
		ClaimLeaf:   txscript.NewBaseTapLeaf(claimScript),
		RefundLeaf:  txscript.NewBaseTapLeaf(refundScript),
		merkleRoot:  merkleRoot,
		internalKey: internalKey,
		outputKey:   outputKey,
	}, nil
}

func (t *TreeInfo) MerkleRoot() []byte {
	return t.merkleRoot
}

// InternalKey is the untweaked MuSig2 aggregate of [server, ours].
func (t *TreeInfo) InternalKey() *btcec.PublicKey {
	return t.internalKey
}

// OutputKey is the internal key tweaked by the tree's merkle root; the
// lockup output pays to it.
func (t *TreeInfo) OutputKey() *btcec.PublicKey {
	return t.outputKey
}

// LockupScript is the expected P2TR script of the lockup output.
func (t *TreeInfo) LockupScript() ([]byte, error) {
	script, err := txscript.PayToTaprootScript(t.outputKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2TR script: %w", err)
	}
	return script, nil
}

// ValidateLockupAddress recomputes the lockup script from the tree and
// compares it with the address the service told us to watch. A
// mismatch means key aggregation diverged and nothing built against
// this tree would be spendable.
func (t *TreeInfo) ValidateLockupAddress(address string, network *chaincfg.Params) error {
	addr, err := btcutil.DecodeAddress(address, network)
	if err != nil {
		return fmt.Errorf("decode lockup address: %w", err)
	}

	addrScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("address script: %w", err)
	}

	expected, err := t.LockupScript()
	if err != nil {
		return err
	}

	if !bytes.Equal(addrScript, expected) {
		return fmt.Errorf("%w: lockup address %s", ErrKeyAggregationMismatch, address)
	}

	return nil
}

// ControlBlock builds the taproot control block for a script-path
// spend through the claim or refund leaf.
func (t *TreeInfo) ControlBlock(isClaimPath bool) []byte {
	siblingLeaf := t.ClaimLeaf
	if isClaimPath {
		siblingLeaf = t.RefundLeaf
	}

	parity := t.outputKey.SerializeCompressed()[0] & 0x01
	internalKeyBytes := t.internalKey.SerializeCompressed()[1:]
	siblingHash := siblingLeaf.TapHash()

	controlBlock := make([]byte, 0, 1+32+32)
	controlBlock = append(controlBlock, byte(txscript.BaseLeafVersion)|parity)
	controlBlock = append(controlBlock, internalKeyBytes...)
	controlBlock = append(controlBlock, siblingHash[:]...)

	return controlBlock
}

// validateClaimLeaf checks that the published claim leaf actually pays
// to our key gated on our preimage hash, before any funds move.
func (t *TreeInfo) validateClaimLeaf(preimageHash160 []byte, claimPubKey *btcec.PublicKey) error {
	script := t.ClaimLeaf.Script

	if !bytes.Contains(script, preimageHash160) {
		return fmt.Errorf("claim leaf does not commit to our preimage hash")
	}

	xonly := claimPubKey.SerializeCompressed()[1:]
	if !bytes.Contains(script, xonly) {
		return fmt.Errorf("claim leaf does not pay to our claim key")
	}

	return nil
}

// validateRefundLeaf checks that the published refund leaf pays to our
// refund key.
func (t *TreeInfo) validateRefundLeaf(refundPubKey *btcec.PublicKey) error {
	xonly := refundPubKey.SerializeCompressed()[1:]
	if !bytes.Contains(t.RefundLeaf.Script, xonly) {
		return fmt.Errorf("refund leaf does not pay to our refund key")
	}
	return nil
}

func computeMerkleRoot(claimLeafHash, refundLeafHash []byte) []byte {
	left, right := claimLeafHash, refundLeafHash
	if bytes.Compare(left, right) > 0 {
		left, right = right, left
	}

	branch := append(append([]byte{}, left...), right...)
	h := chainhash.TaggedHash(chainhash.TagTapBranch, branch)
	return h[:]
}

func tapLeafHash(leafVersion uint8, script []byte) [32]byte {
	var b bytes.Buffer
	b.WriteByte(leafVersion)
	_ = wire.WriteVarInt(&b, 0, uint64(len(script)))
	b.Write(script)
	sum := chainhash.TaggedHash(chainhash.TagTapLeaf, b.Bytes())

	return *sum
}
