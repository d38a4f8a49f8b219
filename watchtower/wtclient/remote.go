package wtclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/wire"
)

// RemoteClient implements TowerClient over an HTTP JSON-RPC session to a
// configured watchtower_url, per spec.md §4.7 and §6.
type RemoteClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewRemoteClient returns a RemoteClient targeting url.
func NewRemoteClient(url string) *RemoteClient {
	return &RemoteClient{URL: url, HTTPClient: http.DefaultClient}
}

type jsonRPCRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
	ID     int         `json:"id"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *RemoteClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(jsonRPCRequest{Method: method, Params: params, ID: 1})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("watchtower %s unreachable: %w", c.URL, err)
	}
	defer resp.Body.Close()

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("watchtower error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// StoredCommitmentCounter asks the remote tower, via JSON-RPC, for the
// highest commitment counter it has a penalty transaction for.
func (c *RemoteClient) StoredCommitmentCounter(ctx context.Context,
	fundingOutpoint wire.OutPoint, sweepAddress string) (uint64, error) {

	var ctn uint64
	params := map[string]string{
		"funding_outpoint": fundingOutpoint.String(),
		"address":          sweepAddress,
	}
	if err := c.call(ctx, "get_ctn", params, &ctn); err != nil {
		return 0, err
	}
	return ctn, nil
}

// Push sends one penalty transaction to the remote tower.
func (c *RemoteClient) Push(ctx context.Context, j Justice, sweepAddress string) error {
	var buf bytes.Buffer
	if err := j.Tx.Serialize(&buf); err != nil {
		return err
	}
	params := map[string]interface{}{
		"funding_outpoint": j.FundingOutpoint.String(),
		"ctn":              j.CommitmentCtn,
		"address":          sweepAddress,
		"raw_tx":           hex.EncodeToString(buf.Bytes()),
	}
	return c.call(ctx, "add_sweep_tx", params, nil)
}
