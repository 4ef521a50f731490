package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/httpx"
	"github.com/ggonzalez94/planexec/internal/plan"
)

// Client talks to the quoting/solver backend: plan fetches, signature posts,
// status checks and the fire-and-forget index notification.
type Client struct {
	http    *httpx.Client
	baseURL string
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// PlanRequest describes how to (re)fetch an execution plan.
type PlanRequest struct {
	Method   string
	Endpoint string
	Body     json.RawMessage
}

// StatusResponse is the backend's answer to a status check.
type StatusResponse struct {
	Status             string   `json:"status"`
	Details            string   `json:"details,omitempty"`
	TxHashes           []string `json:"txHashes,omitempty"`
	InternalTxHashes   []string `json:"internalTxHashes,omitempty"`
	OriginChainID      int64    `json:"originChainId,omitempty"`
	DestinationChainID int64    `json:"destinationChainId,omitempty"`
}

// PostResponse is the backend's answer to a posted signature. Both the
// results-array and single-object shapes are accepted.
type PostResponse struct {
	Status              string           `json:"status"`
	Results             []plan.OrderData `json:"results,omitempty"`
	OrderID             string           `json:"orderId,omitempty"`
	CrossPostingOrderID string           `json:"crossPostingOrderId,omitempty"`
	OrderIndex          int              `json:"orderIndex,omitempty"`
	Steps               []*plan.Step     `json:"steps,omitempty"`
}

// Orders normalizes the two response shapes into the order-data array form.
func (r *PostResponse) Orders() []plan.OrderData {
	if len(r.Results) > 0 {
		return append([]plan.OrderData(nil), r.Results...)
	}
	if r.OrderID != "" || r.CrossPostingOrderID != "" {
		return []plan.OrderData{{
			OrderID:             r.OrderID,
			CrossPostingOrderID: r.CrossPostingOrderID,
			OrderIndex:          r.OrderIndex,
		}}
	}
	return nil
}

// FetchPlan resolves the request descriptor against the backend and
// validates the returned plan.
func (c *Client) FetchPlan(ctx context.Context, req PlanRequest) (*plan.Plan, error) {
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, perr.New(perr.CodeUsage, "plan request has no endpoint")
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var fetched plan.Plan
	if _, err := httpx.DoBodyJSON(ctx, c.http, method, c.resolve(req.Endpoint), req.Body, nil, &fetched); err != nil {
		return nil, err
	}
	if err := plan.Validate(&fetched); err != nil {
		return nil, err
	}
	return &fetched, nil
}

// CheckStatus issues a single status poll for an item.
func (c *Client) CheckStatus(ctx context.Context, check *plan.Check) (StatusResponse, error) {
	if check == nil || strings.TrimSpace(check.Endpoint) == "" {
		return StatusResponse{}, perr.New(perr.CodeUsage, "item has no status check endpoint")
	}
	method := check.Method
	if method == "" {
		method = http.MethodGet
	}
	var out StatusResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, method, c.resolve(check.Endpoint), nil, nil, &out); err != nil {
		return StatusResponse{}, err
	}
	return out, nil
}

// PostSignature posts a signature item's payload, merging the produced
// signature into the request parameters when one exists.
func (c *Client) PostSignature(ctx context.Context, post *plan.PostData, signature string) (*PostResponse, error) {
	if post == nil || strings.TrimSpace(post.Endpoint) == "" {
		return nil, perr.New(perr.CodeUsage, "item has no post endpoint")
	}
	method := post.Method
	if method == "" {
		method = http.MethodPost
	}
	target := c.resolve(post.Endpoint)
	if signature != "" {
		parsed, err := url.Parse(target)
		if err != nil {
			return nil, perr.Wrap(perr.CodeInternal, "parse post endpoint", err)
		}
		q := parsed.Query()
		q.Set("signature", signature)
		parsed.RawQuery = q.Encode()
		target = parsed.String()
	}
	var out PostResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, method, target, post.Body, nil, &out); err != nil {
		return nil, err
	}
	if strings.EqualFold(out.Status, "failure") {
		return nil, perr.New(perr.CodeBackendRejected, "backend rejected posted signature")
	}
	return &out, nil
}

// Index notifies the backend of a submitted transaction so it can start
// indexing it. Callers treat failures as best-effort.
func (c *Client) Index(ctx context.Context, chainID int64, txHash string) error {
	body, err := json.Marshal(map[string]string{
		"txHash":  txHash,
		"chainId": strconv.FormatInt(chainID, 10),
	})
	if err != nil {
		return perr.Wrap(perr.CodeInternal, "encode index notification", err)
	}
	_, err = httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.resolve("/transactions/index"), body, nil, nil)
	return err
}

func (c *Client) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint
}
