package boltz

const (
	CurrencyBtc    Currency = "BTC"
	CurrencyLiquid Currency = "L-BTC"
)

type Currency string

type CreateChainSwapRequest struct {
	From             Currency `json:"from"`
	To               Currency `json:"to"`
	PreimageHash     string   `json:"preimageHash"`
	ClaimPublicKey   string   `json:"claimPublicKey"`
	RefundPublicKey  string   `json:"refundPublicKey"`
	UserLockAmount   uint64   `json:"userLockAmount,omitempty"`
	ServerLockAmount uint64   `json:"serverLockAmount,omitempty"`
	PairHash         string   `json:"pairHash,omitempty"`
	ReferralId       string   `json:"referralId,omitempty"`
}

type CreateChainSwapResponse struct {
	Id            string  `json:"id"`
	ClaimDetails  SwapLeg `json:"claimDetails"`
	LockupDetails SwapLeg `json:"lockupDetails"`

	Error string `json:"error,omitempty"`
}

// SwapLeg describes ONE side (one chain) of the swap. The leg holding a
// taproot lockup carries the serialized script tree.
type SwapLeg struct {
	ServerPublicKey    string    `json:"serverPublicKey"`
	Amount             uint64    `json:"amount"`
	LockupAddress      string    `json:"lockupAddress"`
	TimeoutBlockHeight uint32    `json:"timeoutBlockHeight"`
	SwapTree           *SwapTree `json:"swapTree,omitempty"`
}

type SwapTree struct {
	ClaimLeaf  SwapTreeLeaf `json:"claimLeaf"`
	RefundLeaf SwapTreeLeaf `json:"refundLeaf"`
}

type SwapTreeLeaf struct {
	Version uint8  `json:"version"`
	Output  string `json:"output"`
}

type TransactionRef struct {
	Id  string `json:"id"`
	Hex string `json:"hex,omitempty"`
}

type QuoteResponse struct {
	Amount uint64 `json:"amount"`
}

type ChainSwapClaimDetailsResponse struct {
	PubNonce        string `json:"pubNonce"`
	PublicKey       string `json:"publicKey"`
	TransactionHash string `json:"transactionHash"`
}

type ToSign struct {
	Nonce   string `json:"pubNonce"`
	ClaimTx string `json:"transaction"`
	Index   int    `json:"index"`
}

type CrossSignSignature struct {
	PubNonce         string `json:"pubNonce"`
	PartialSignature string `json:"partialSignature"`
}

type ChainSwapClaimRequest struct {
	Preimage  string             `json:"preimage,omitempty"`
	ToSign    *ToSign            `json:"toSign,omitempty"`
	Signature *CrossSignSignature `json:"signature,omitempty"`
}

type PartialSignatureResponse struct {
	PubNonce         string `json:"pubNonce"`
	PartialSignature string `json:"partialSignature"`
}

type ChainSwapTransactionsResponse struct {
	UserLock   *ChainSwapTransaction `json:"userLock,omitempty"`
	ServerLock *ChainSwapTransaction `json:"serverLock,omitempty"`
}

type ChainSwapTransaction struct {
	Id     string `json:"id"`
	Hex    string `json:"hex"`
	Status string `json:"status"`
}

type BroadcastResponse struct {
	Id string `json:"id"`

	Error string `json:"error,omitempty"`
}
