package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/brojonat/solverify/service/metrics"
)

// realRPCClient adapts the solana-go RPC client to our RPCClient interface.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string) RPCClient {
	return &realRPCClient{
		client: rpc.New(rpcURL),
	}
}

func (r *realRPCClient) GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return r.client.GetSlot(ctx, commitment)
}

func (r *realRPCClient) GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error) {
	return r.client.GetBlockWithOpts(ctx, slot, opts)
}

// ParseEndpoints splits a comma separated list of RPC URLs.
func ParseEndpoints(raw string) []string {
	var endpoints []string
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	return endpoints
}

// SelectRandomEndpoint picks one endpoint so load spreads across providers.
func SelectRandomEndpoint(endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		return "", errors.New("no RPC endpoints configured")
	}
	return endpoints[rand.IntN(len(endpoints))], nil
}

// NewClientFromURLs picks one endpoint from a comma separated list and
// returns a Client for it.
func NewClientFromURLs(raw string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	endpoint, err := SelectRandomEndpoint(ParseEndpoints(raw))
	if err != nil {
		return nil, err
	}
	label := EndpointLabel(endpoint)
	logger.Info("initialized solana RPC client", "endpoint", label)
	return NewClient(NewRPCClient(endpoint), label, m, logger), nil
}

// EndpointLabel extracts a short identifier from an RPC URL for metrics
// labels and logs, so API keys in the URL never leak.
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
//   - "https://some-endpoint.quiknode.pro/..." -> "quiknode"
func EndpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"helius", "alchemy", "triton", "rpcpool", "ankr"} {
		if strings.Contains(host, provider) {
			return provider
		}
	}
	if strings.Contains(host, "quiknode") || strings.Contains(host, "quicknode") {
		return "quiknode"
	}
	for _, cluster := range []string{"mainnet", "devnet", "testnet"} {
		if strings.Contains(host, cluster) {
			return cluster
		}
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "local"
	}
	return fmt.Sprintf("host:%s", host)
}
