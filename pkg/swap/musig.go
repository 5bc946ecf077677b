package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// signerPhase tracks progress of one signing attempt. Every step may
// run exactly once and only in order; out-of-order calls are rejected
// rather than silently re-deriving state, since re-running round 1
// with a bound message is the classic nonce-reuse hazard.
type signerPhase int

const (
	phaseKeysAggregated signerPhase = iota
	phaseNonceGenerated
	phaseNoncesAggregated
	phasePartialSigned
	phaseCombined
)

// SigningSession executes the two-round MuSig2 protocol for the
// cooperative (2-of-2) key-path spend of a taproot lockup. Key order
// is [server, ours], unsorted, matching the order the lockup key was
// aggregated with.
//
// We intentionally do not use the musig2.Session API to avoid
// tweak/sort/session mismatch with the service's signer:
//
//   - GenNonces (keep SecNonce + PubNonce)
//   - exchange public nonces
//   - AggregateNonces
//   - musig2.Sign(... WithTaprootSignTweak(merkleRoot) ...)
//   - musig2.CombineSigs(... WithTaprootTweakedCombine(...))
type SigningSession struct {
	privateKey   *btcec.PrivateKey
	publicKey    *btcec.PublicKey
	serverPubKey *btcec.PublicKey
	merkleRoot   []byte

	outputKey *btcec.PublicKey

	phase         signerPhase
	ourNonces     *musig2.Nonces
	theirNonce    [66]byte
	combinedNonce [66]byte
	msg           [32]byte
	ourPartial    *musig2.PartialSignature
}

// NewSigningSession aggregates the keyset and applies the taproot
// tweak. If expectedOutputKey is non-nil the derived key must match
// it; signing against any other key would produce an unspendable
// claim, so a mismatch aborts before round 1.
func NewSigningSession(
	ourPriv *btcec.PrivateKey,
	serverPubKey *btcec.PublicKey,
	merkleRoot []byte,
	expectedOutputKey *btcec.PublicKey,
) (*SigningSession, error) {
	if ourPriv == nil {
		return nil, fmt.Errorf("nil private key")
	}
	if serverPubKey == nil {
		return nil, fmt.Errorf("nil server public key")
	}
	if len(merkleRoot) != 32 {
		return nil, fmt.Errorf("invalid merkleRoot len: got %d want 32", len(merkleRoot))
	}

	keys := []*btcec.PublicKey{serverPubKey, ourPriv.PubKey()}
	aggregateKey, _, _, err := musig2.AggregateKeys(keys, false)
	if err != nil {
		return nil, fmt.Errorf("musig2.AggregateKeys: %w", err)
	}

	outputKey := txscript.ComputeTaprootOutputKey(aggregateKey.FinalKey, merkleRoot)

	if expectedOutputKey != nil {
		want := schnorr.SerializePubKey(expectedOutputKey)
		got := schnorr.SerializePubKey(outputKey)
		if !bytes.Equal(want, got) {
			return nil, fmt.Errorf("%w: derived %x, published %x",
				ErrKeyAggregationMismatch, got, want)
		}
	}

	return &SigningSession{
		privateKey:   ourPriv,
		publicKey:    ourPriv.PubKey(),
		serverPubKey: serverPubKey,
		merkleRoot:   merkleRoot,
		outputKey:    outputKey,
		phase:        phaseKeysAggregated,
	}, nil
}

// Keys returns the signer keyset in the canonical [server, ours] order.
func (s *SigningSession) Keys() []*btcec.PublicKey {
	return []*btcec.PublicKey{s.serverPubKey, s.publicKey}
}

// OutputKey is the tweaked aggregate key the final signature verifies
// against.
func (s *SigningSession) OutputKey() *btcec.PublicKey {
	return s.outputKey
}

// PublicNonce generates the fresh round-1 nonce pair and returns the
// public half. The secret half never leaves the session.
func (s *SigningSession) PublicNonce() ([66]byte, error) {
	if s.phase != phaseKeysAggregated {
		return [66]byte{}, fmt.Errorf("%w: nonce already generated", ErrSignerState)
	}

	nonces, err := musig2.GenNonces(
		musig2.WithPublicKey(s.publicKey),
	)
	if err != nil {
		return [66]byte{}, fmt.Errorf("musig2.GenNonces: %w", err)
	}

	s.ourNonces = nonces
	s.phase = phaseNonceGenerated
	return nonces.PubNonce, nil
}

// AggregateNonces completes round 1. Round 2 is unreachable until this
// has succeeded.
func (s *SigningSession) AggregateNonces(theirNonce [66]byte) error {
	if s.phase != phaseNonceGenerated {
		return fmt.Errorf("%w: aggregate nonces in phase %d", ErrSignerState, s.phase)
	}

	combined, err := musig2.AggregateNonces([][66]byte{
		s.ourNonces.PubNonce,
		theirNonce,
	})
	if err != nil {
		return fmt.Errorf("musig2.AggregateNonces: %w", err)
	}

	s.theirNonce = theirNonce
	s.combinedNonce = combined
	s.phase = phaseNoncesAggregated
	return nil
}

// PartialSign binds the message and produces our round-2 partial
// signature. A second call is refused outright: the secret nonce is
// consumed and signing another message with it would leak the key.
func (s *SigningSession) PartialSign(msg [32]byte) (*musig2.PartialSignature, error) {
	if s.phase >= phasePartialSigned {
		return nil, ErrNonceReused
	}
	if s.phase != phaseNoncesAggregated {
		return nil, fmt.Errorf("%w: partial sign in phase %d", ErrSignerState, s.phase)
	}

	partial, err := musig2.Sign(
		s.ourNonces.SecNonce,
		s.privateKey,
		s.combinedNonce,
		s.Keys(),
		msg,
		musig2.WithTaprootSignTweak(s.merkleRoot),
		musig2.WithFastSign(),
	)
	if err != nil {
		return nil, fmt.Errorf("musig2.Sign: %w", err)
	}

	s.msg = msg
	s.ourPartial = partial
	s.phase = phasePartialSigned
	return partial, nil
}

// Combine verifies the counterparty's partial signature, sums the two
// partials and verifies the aggregate signature against the tweaked
// output key. An invalid result is never returned to the caller; the
// claim must fall back to the script path instead of broadcasting it.
func (s *SigningSession) Combine(theirPartial *musig2.PartialSignature) (*schnorr.Signature, error) {
	if s.phase != phasePartialSigned {
		return nil, fmt.Errorf("%w: combine in phase %d", ErrSignerState, s.phase)
	}
	if theirPartial == nil {
		return nil, fmt.Errorf("nil counterparty partial signature")
	}
	if s.ourPartial.R == nil {
		return nil, fmt.Errorf("missing nonce point (ourPartial.R is nil)")
	}

	if !theirPartial.Verify(
		s.theirNonce,
		s.combinedNonce,
		s.Keys(),
		s.serverPubKey,
		s.msg,
		musig2.WithTaprootSignTweak(s.merkleRoot),
	) {
		return nil, ErrPartialSigInvalid
	}

	allPartials := []*musig2.PartialSignature{s.ourPartial, theirPartial}
	finalSig := musig2.CombineSigs(
		s.ourPartial.R,
		allPartials,
		musig2.WithTaprootTweakedCombine(s.msg, s.Keys(), s.merkleRoot, false),
	)
	if finalSig == nil {
		return nil, fmt.Errorf("CombineSigs returned nil")
	}

	if !finalSig.Verify(s.msg[:], s.outputKey) {
		return nil, ErrSignatureInvalid
	}

	s.phase = phaseCombined
	return finalSig, nil
}

// TaprootMessage computes the BIP341 sighash (32 bytes) for key-path
// signing of the given input.
func TaprootMessage(
	tx *wire.MsgTx,
	inputIndex int,
	prevOutFetcher txscript.PrevOutputFetcher,
) ([32]byte, error) {
	if tx == nil {
		return [32]byte{}, fmt.Errorf("nil tx")
	}
	if prevOutFetcher == nil {
		return [32]byte{}, fmt.Errorf("nil prevOutFetcher")
	}
	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return [32]byte{}, fmt.Errorf("inputIndex out of range")
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	msg32, err := txscript.CalcTaprootSignatureHash(
		sigHashes,
		txscript.SigHashDefault,
		tx,
		inputIndex,
		prevOutFetcher,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("CalcTaprootSignatureHash: %w", err)
	}

	var msg [32]byte
	copy(msg[:], msg32)
	return msg, nil
}

func NewPrevOutputFetcher(prevOut *wire.TxOut, prevOutPoint wire.OutPoint) txscript.PrevOutputFetcher {
	return txscript.NewMultiPrevOutFetcher(map[wire.OutPoint]*wire.TxOut{
		prevOutPoint: prevOut,
	})
}

// --- Nonce helpers ---

func ParsePubNonce(nonceHex string) ([66]byte, error) {
	if len(nonceHex) != 132 { // 66 bytes * 2
		return [66]byte{}, fmt.Errorf("invalid nonce length: got %d want 132 hex chars", len(nonceHex))
	}
	b, err := hex.DecodeString(nonceHex)
	if err != nil {
		return [66]byte{}, fmt.Errorf("decode nonce hex: %w", err)
	}
	var n [66]byte
	copy(n[:], b)
	return n, nil
}

func SerializePubNonce(nonce [66]byte) string {
	return hex.EncodeToString(nonce[:])
}

// --- Partial signature helpers (service wire format) ---

// ParsePartialSignatureScalar32 parses the service's partial sig
// format: a bare 32-byte scalar S in hex. This is NOT the
// musig2.PartialSignature encoding; do not call sig.Decode for it.
func ParsePartialSignatureScalar32(sigHex string) (*musig2.PartialSignature, error) {
	b, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("decode partial sig hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid partial sig len: got %d want 32", len(b))
	}

	ps := &musig2.PartialSignature{
		S: new(btcec.ModNScalar),
	}

	if overflow := ps.S.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("partial sig scalar overflow")
	}

	return ps, nil
}

// SerializePartialSignatureScalar32 is the inverse of
// ParsePartialSignatureScalar32: the bare S scalar, hex encoded.
func SerializePartialSignatureScalar32(partial *musig2.PartialSignature) (string, error) {
	var buf bytes.Buffer
	if err := partial.Encode(&buf); err != nil {
		return "", fmt.Errorf("encode partial sig: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
