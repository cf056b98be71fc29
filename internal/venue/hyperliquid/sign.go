package hyperliquid

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// signer produces the EIP-712 agent signatures the exchange endpoint
// requires. Actions are msgpack-encoded, hashed together with the nonce and
// vault address, then wrapped in the fixed Agent typed-data envelope.
type signer struct {
	key     *ecdsa.PrivateKey
	addr    common.Address
	mainnet bool
}

func newSigner(hexKey string, mainnet bool) (*signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &signer{
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey),
		mainnet: mainnet,
	}, nil
}

func (s *signer) address() common.Address {
	return s.addr
}

func (s *signer) signOrder(action orderAction, nonce uint64, vault *common.Address) (signature, error) {
	payload, err := encodeOrderAction(action)
	if err != nil {
		return signature{}, err
	}
	return s.signAction(payload, nonce, vault)
}

func (s *signer) signCancel(action cancelAction, nonce uint64, vault *common.Address) (signature, error) {
	payload, err := encodeCancelAction(action)
	if err != nil {
		return signature{}, err
	}
	return s.signAction(payload, nonce, vault)
}

func (s *signer) signAction(payload []byte, nonce uint64, vault *common.Address) (signature, error) {
	digest, err := agentDigest(actionHash(payload, nonce, vault), s.mainnet)
	if err != nil {
		return signature{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return signature{}, err
	}
	return signatureFromBytes(sig)
}

// actionHash is keccak over the msgpack action, the big-endian nonce, and a
// vault-address marker byte plus address when present.
func actionHash(payload []byte, nonce uint64, vault *common.Address) []byte {
	buf := bytes.NewBuffer(payload)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf.Write(nonceBytes[:])
	if vault == nil {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.Write(vault.Bytes())
	}
	return crypto.Keccak256(buf.Bytes())
}

// agentDigest wraps the action hash in the Exchange domain's Agent struct.
// Source "a" marks mainnet, "b" testnet; chain id 1337 is fixed regardless
// of network.
func agentDigest(hash []byte, mainnet bool) ([]byte, error) {
	source := "a"
	if !mainnet {
		source = "b"
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(hash),
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}

func signatureFromBytes(sig []byte) (signature, error) {
	if len(sig) != 65 {
		return signature{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	return signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}
