package pool

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// PairABI covers the constant-product pair reads used for TWAP.
const PairABI = `[
	{
		"inputs": [],
		"name": "getReserves",
		"outputs": [
			{"internalType": "uint112", "name": "reserve0", "type": "uint112"},
			{"internalType": "uint112", "name": "reserve1", "type": "uint112"},
			{"internalType": "uint32", "name": "blockTimestampLast", "type": "uint32"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "price0CumulativeLast",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "price1CumulativeLast",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const (
	MethodGetReserves          = "getReserves"
	MethodPrice0CumulativeLast = "price0CumulativeLast"
	MethodPrice1CumulativeLast = "price1CumulativeLast"
)

// ParsedPairABI is PairABI parsed once at init.
var ParsedPairABI = mustParse(PairABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
