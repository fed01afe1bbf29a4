package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet holds an EOA's key pair and signs its transactions.
type Wallet struct {
	sk *ecdsa.PrivateKey
	pk *ecdsa.PublicKey
}

// NewWallet creates a wallet from a hex-encoded private key.
func NewWallet(sk string) (*Wallet, error) {
	privateKey, err := crypto.HexToECDSA(sk)
	if err != nil {
		return &Wallet{}, fmt.Errorf("converting private key to ECDSA: %s", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return &Wallet{}, fmt.Errorf("casting public key to ECDSA")
	}

	return &Wallet{
		sk: privateKey,
		pk: publicKeyECDSA,
	}, nil
}

// PrivateKey gets the private key.
func (w *Wallet) PrivateKey() *ecdsa.PrivateKey {
	return w.sk
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address {
	return crypto.PubkeyToAddress(*w.pk)
}

// SignTx signs a transaction for the given chain.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.sk)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %s", err)
	}
	return signedTx, nil
}

// Keyring resolves the signing wallet for a sender address.
type Keyring struct {
	wallets map[common.Address]*Wallet
}

// NewKeyring creates a keyring from hex-encoded private keys.
func NewKeyring(keys []string) (*Keyring, error) {
	wallets := make(map[common.Address]*Wallet, len(keys))
	for _, k := range keys {
		w, err := NewWallet(k)
		if err != nil {
			return nil, fmt.Errorf("creating wallet: %s", err)
		}
		wallets[w.Address()] = w
	}
	return &Keyring{wallets: wallets}, nil
}

// Get returns the wallet for an address.
func (k *Keyring) Get(addr common.Address) (*Wallet, error) {
	w, ok := k.wallets[addr]
	if !ok {
		return nil, fmt.Errorf("no wallet for address %s", addr.Hex())
	}
	return w, nil
}

// Addresses lists every address the keyring can sign for.
func (k *Keyring) Addresses() []common.Address {
	addrs := make([]common.Address, 0, len(k.wallets))
	for addr := range k.wallets {
		addrs = append(addrs, addr)
	}
	return addrs
}
