package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
)

const defaultClientTimeout = 10 * time.Second

// Client calls the governance API on behalf of an operator. Transport
// failures and unexpected responses surface as InvalidState errors so every
// command maps onto a governance exit code.
type Client struct {
	baseURL string
	signer  crypto.Signer
	client  *http.Client
	clock   func() time.Time
}

// NewClient creates a client. signer may be nil for read-only use.
func NewClient(baseURL string, signer crypto.Signer, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		client:  &http.Client{Timeout: timeout},
		clock:   time.Now,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// SignLease fetches the pending request for intentID, signs its payload and
// submits the cosignature.
func (c *Client) SignLease(ctx context.Context, intentID string) (*SignResult, error) {
	if c.signer == nil {
		return nil, gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "no operator key configured")
	}
	var pending lease.PendingLease
	if err := c.do(ctx, http.MethodGet, "/v1/intents/"+url.PathEscape(intentID)+"/lease-request", nil, nil, &pending); err != nil {
		return nil, err
	}
	sig, err := c.signer.Sign(pending.SigningPayload)
	if err != nil {
		return nil, fmt.Errorf("sign lease payload: %w", err)
	}
	cosigner := contracts.Cosigner{Role: contracts.RoleHuman, ID: c.signer.KeyID(), Signature: sig}
	var res SignResult
	if err := c.do(ctx, http.MethodPost, "/v1/intents/"+url.PathEscape(intentID)+"/sign", cosigner, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PauseRollout holds a rollout.
func (c *Client) PauseRollout(ctx context.Context, leaseID string) (*contracts.DeploymentRecord, error) {
	return c.rollout(ctx, CmdPauseRollout, leaseID, "pause")
}

// ResumeRollout lifts a hold.
func (c *Client) ResumeRollout(ctx context.Context, leaseID string) (*contracts.DeploymentRecord, error) {
	return c.rollout(ctx, CmdResumeRollout, leaseID, "resume")
}

// ForceRollback rolls a rollout back.
func (c *Client) ForceRollback(ctx context.Context, leaseID string) (*contracts.DeploymentRecord, error) {
	return c.rollout(ctx, CmdForceRollback, leaseID, "rollback")
}

// ApproveNextTier ends the current bake window early.
func (c *Client) ApproveNextTier(ctx context.Context, leaseID string) (*contracts.DeploymentRecord, error) {
	return c.rollout(ctx, CmdApproveNextTier, leaseID, "approve-next-tier")
}

// KillSwitch engages the fleet-wide kill switch.
func (c *Client) KillSwitch(ctx context.Context, reason string) error {
	h, err := c.authHeaders(CmdKillSwitch, killSwitchTarget)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/kill-switch", killSwitchRequest{Reason: reason}, h, nil)
}

// ReleaseKillSwitch disengages the kill switch.
func (c *Client) ReleaseKillSwitch(ctx context.Context) error {
	h, err := c.authHeaders(CmdReleaseKillSwitch, killSwitchTarget)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, "/v1/kill-switch", nil, h, nil)
}

// Audit fetches ledger events for a subject, or all events when subject is
// empty.
func (c *Client) Audit(ctx context.Context, subject string, limit int) ([]audit.Event, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if subject != "" {
		q.Set("subject", subject)
	}
	path := "/v1/audit?" + q.Encode()
	var events []audit.Event
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// VerifyAudit asks the server to re-verify its hash chain. A broken chain
// is a LedgerFault.
func (c *Client) VerifyAudit(ctx context.Context) (*ChainStatus, error) {
	var st ChainStatus
	if err := c.do(ctx, http.MethodGet, "/v1/audit/verify", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) rollout(ctx context.Context, command, leaseID, action string) (*contracts.DeploymentRecord, error) {
	h, err := c.authHeaders(command, leaseID)
	if err != nil {
		return nil, err
	}
	var rec contracts.DeploymentRecord
	if err := c.do(ctx, http.MethodPost, "/v1/rollouts/"+url.PathEscape(leaseID)+"/"+action, nil, h, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) authHeaders(command, target string) (http.Header, error) {
	if c.signer == nil {
		return nil, gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "no operator key configured")
	}
	auth, err := SignCommand(c.signer, command, target, c.clock())
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(HeaderOperatorKey, auth.KeyID)
	h.Set(HeaderOperatorSignature, auth.Signature)
	h.Set(HeaderOperatorTimestamp, strconv.FormatInt(auth.SignedAt.Unix(), 10))
	return h, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, h http.Header, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range h {
		req.Header[k] = vs
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return gateerr.Wrap(err, gateerr.KindInvalidState, gateerr.CodeUnavailable, "governance API unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// responseError rebuilds a typed error from an error response.
func responseError(status int, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}
	kind := gateerr.Kind(body.Kind)
	switch status {
	case http.StatusNotFound:
		kind = gateerr.KindNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		kind = gateerr.KindAuthorization
	default:
		if kind == "" || kind == gateerr.KindNotFound || kind == gateerr.KindAuthorization {
			kind = gateerr.KindInvalidState
		}
	}
	return &gateerr.Error{Kind: kind, Code: body.Code, Message: body.Error, AuditSeq: body.AuditSeq}
}
