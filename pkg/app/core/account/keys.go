package account

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Pebble key schema
// 1. Prefix-based for range scans (all balances / orders of an account)
// 2. Account address as primary key for ownership
// 3. Order ids index back to their owner so venue events can be routed

// Key prefixes
const (
	prefixAccount  = "acc:" // Account header
	prefixBalance  = "bal:" // Balance per token
	prefixPosition = "pos:" // Position per market
	prefixOrder    = "ord:" // Order state, terminal orders included
	prefixOwner    = "own:" // orderId -> owner address
)

// accountKey returns the key for an account header
// Format: "acc:{address}"
func accountKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixAccount, addr.Hex()))
}

// balanceKey returns the key for one token balance
// Format: "bal:{address}:{token}"
func balanceKey(addr common.Address, token string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, addr.Hex(), token))
}

func balancePrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, addr.Hex()))
}

// positionKey returns the key for a position
// Format: "pos:{address}:{market}"
// Example: "pos:0x742d35cc...:BTC-PERP"
func positionKey(addr common.Address, market string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, addr.Hex(), market))
}

func positionPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPosition, addr.Hex()))
}

// orderKey returns the key for an order
// Format: "ord:{address}:{orderID}"
func orderKey(addr common.Address, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, addr.Hex(), id))
}

func orderPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, addr.Hex()))
}

// ownerKey returns the order-owner index key
// Format: "own:{orderID}"
func ownerKey(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixOwner, id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "ord:0x123:" -> upper bound "ord:0x123;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// accountKeyFromBytes extracts the address from an account key
func accountKeyFromBytes(key []byte) (common.Address, error) {
	if len(key) < len(prefixAccount)+42 { // 42 = "0x" + 40 hex chars
		return common.Address{}, fmt.Errorf("invalid account key length: %d", len(key))
	}
	addrHex := string(key[len(prefixAccount):])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid address in key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), nil
}
