package eth

import "strings"

// Kind is the closed set of causes a send failure is classified into. The
// engine only ever branches on Kind, never on raw RPC error text.
type Kind int

const (
	// KindUnknown is the fallback for unrecognized RPC errors.
	KindUnknown Kind = iota
	// KindNonceTooLow means the nonce was already used on-chain.
	KindNonceTooLow
	// KindNonceTooHigh means a gap exists before this nonce.
	KindNonceTooHigh
	// KindReplacementUnderpriced means a pending transaction with equal or
	// higher gas already occupies this nonce.
	KindReplacementUnderpriced
	// KindAlreadyKnown means the transaction is already in the mempool.
	KindAlreadyKnown
	// KindInsufficientFunds means the wallet cannot pay for the transaction.
	KindInsufficientFunds
	// KindGasTooLow means the gas limit or price is below what the node
	// will accept.
	KindGasTooLow
)

// String returns the stable name used in logs and stored error messages.
func (k Kind) String() string {
	switch k {
	case KindNonceTooLow:
		return "nonce_too_low"
	case KindNonceTooHigh:
		return "nonce_too_high"
	case KindReplacementUnderpriced:
		return "replacement_underpriced"
	case KindAlreadyKnown:
		return "already_known"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindGasTooLow:
		return "gas_too_low"
	default:
		return "unknown_rpc_error"
	}
}

// pattern maps a lowercase substring of a node error message to a Kind.
// Entries are checked in order; more specific patterns come first.
type pattern struct {
	substr string
	kind   Kind
}

// patterns covers the canonical geth txpool messages plus common variants
// from other node implementations.
var patterns = []pattern{
	{"replacement transaction underpriced", KindReplacementUnderpriced},
	{"future transaction tries to replace pending", KindReplacementUnderpriced},
	{"nonce too low", KindNonceTooLow},
	{"invalid transaction nonce", KindNonceTooLow},
	{"transaction nonce is too low", KindNonceTooLow},
	{"nonce too high", KindNonceTooHigh},
	{"too many pending transactions", KindNonceTooHigh},
	{"already known", KindAlreadyKnown},
	{"alreadyknown", KindAlreadyKnown},
	{"known transaction", KindAlreadyKnown},
	{"transaction already imported", KindAlreadyKnown},
	{"insufficient funds", KindInsufficientFunds},
	{"insufficient balance", KindInsufficientFunds},
	{"intrinsic gas too low", KindGasTooLow},
	{"transaction underpriced", KindGasTooLow},
	{"max fee per gas less than block base fee", KindGasTooLow},
	{"gas limit reached", KindGasTooLow},
	{"gas price below minimum", KindGasTooLow},
}

// Classify maps a send error onto a Kind. Nil errors map to KindUnknown;
// callers check for nil before classifying.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p.substr) {
			return p.kind
		}
	}
	return KindUnknown
}
