// Package chain reads raw transfer events from a Polygon JSON-RPC endpoint
// and turns them into the append-only event log the rest of the pipeline
// consumes.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPC is the slice of the Ethereum JSON-RPC surface the adapter needs.
// *ethclient.Client satisfies it.
type RPC interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ RPC = (*ethclient.Client)(nil)

// Dial connects to the JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return client, nil
}
