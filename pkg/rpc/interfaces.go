package rpc

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Client captures the chain calls used by the pool reader.
// *ethclient.Client satisfies it.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// Dial connects an ethclient to the endpoints in o. Requests go through a
// Transport, so rate limiting and endpoint failover apply to every call.
func Dial(ctx context.Context, o Opts) (*ethclient.Client, error) {
	o = o.withDefaults()
	tr, err := NewTransport(o)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Transport: tr, Timeout: o.Timeout}

	// The URL only seeds the request; Transport picks the endpoint.
	rc, err := gethrpc.DialOptions(ctx, tr.endpoints[0].String(), gethrpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", tr.endpoints[0].Redacted(), err)
	}
	return ethclient.NewClient(rc), nil
}
