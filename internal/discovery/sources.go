package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// HTTPIndexClient is a thin REST client over an external balances index,
// grounded on the teacher's internal/backend/esplora.go and mempool.go
// (one base URL, one http.Client, GET-and-decode).
type HTTPIndexClient struct {
	baseURL    string
	bearer     string
	httpClient *http.Client
}

// NewHTTPIndexClient creates an HTTPIndexClient against baseURL.
func NewHTTPIndexClient(baseURL, bearer string) *HTTPIndexClient {
	return &HTTPIndexClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		bearer:     bearer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// FungibleContractsWithBalance returns the contract ids the index reports a
// positive balance for. The index itself is responsible for the
// positive-balance filter; this client only decodes its response.
func (c *HTTPIndexClient) FungibleContractsWithBalance(ctx context.Context, account string) ([]string, error) {
	var parsed struct {
		Contracts []string `json:"contracts"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/accounts/%s/tokens", c.baseURL, account), &parsed); err != nil {
		return nil, err
	}
	return normalizeContracts(parsed.Contracts), nil
}

func (c *HTTPIndexClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ IndexClient = (*HTTPIndexClient)(nil)

// recognizedTransferMethods is the set of function-call method names that
// count as a fungible transfer for trace-based discovery, per spec §4.3.
var recognizedTransferMethods = map[string]bool{
	"ft_transfer":      true,
	"ft_transfer_call": true,
}

// HTTPTraceScanner queries an action-trace index for function calls
// involving account, filtering to recognized transfer methods. Traced
// amounts arrive either as plain decimal strings or, for contracts bridged
// through NEAR's Aurora EVM layer, as 0x-prefixed hex — ParseBig256 from
// go-ethereum/common/math handles both without the caller needing to know
// which dialect a given contract uses.
type HTTPTraceScanner struct {
	baseURL    string
	bearer     string
	httpClient *http.Client
}

// NewHTTPTraceScanner creates an HTTPTraceScanner against baseURL.
func NewHTTPTraceScanner(baseURL, bearer string) *HTTPTraceScanner {
	return &HTTPTraceScanner{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		bearer:     bearer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type traceRecord struct {
	Contract string `json:"contract"`
	Method   string `json:"method"`
	Amount   string `json:"amount"`
}

// FungibleContractsFromTraces scans traced function calls, keeping only
// recognized transfer methods with a nonzero parsed amount — a zero-amount
// "transfer" is usually an indexer artifact, not real activity.
func (s *HTTPTraceScanner) FungibleContractsFromTraces(ctx context.Context, account string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/accounts/%s/traces", s.baseURL, account), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var records []traceRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode traces: %w", err)
	}

	var contracts []string
	for _, r := range records {
		if !recognizedTransferMethods[r.Method] {
			continue
		}
		amount, ok := math.ParseBig256(r.Amount)
		if !ok || amount.Sign() == 0 {
			continue
		}
		contracts = append(contracts, r.Contract)
	}
	return normalizeContracts(contracts), nil
}

var _ TraceScanner = (*HTTPTraceScanner)(nil)

// normalizeContracts canonicalizes any Aurora-bridged, EVM-hex-style
// contract id to go-ethereum's checksummed form so the same underlying
// contract reported by two different casings never gets tracked as two
// distinct tokens; ordinary NEAR-named contracts pass through unchanged.
func normalizeContracts(contracts []string) []string {
	out := make([]string, len(contracts))
	for i, c := range contracts {
		if common.IsHexAddress(c) {
			out[i] = common.HexToAddress(c).Hex()
			continue
		}
		out[i] = c
	}
	return out
}
