package evm

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for a single account.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, errors.New("evm: signing key required")
	}
	return &KeySigner{key: key, addr: gethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signing account.
func (s *KeySigner) Address() common.Address { return s.addr }

// SignTx signs tx with the latest signer for chainID.
func (s *KeySigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}
