package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/leasegate/pkg/audit"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// Operator authentication headers.
const (
	HeaderOperatorKey       = "X-Operator-Key"
	HeaderOperatorSignature = "X-Operator-Signature"
	HeaderOperatorTimestamp = "X-Operator-Timestamp"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Code     string `json:"code,omitempty"`
	AuditSeq uint64 `json:"audit_seq,omitempty"`
}

type killSwitchRequest struct {
	Reason string `json:"reason"`
}

// Handler returns the governance HTTP API.
func (c *Console) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", c.handleHealth)
	c.Routes(r)
	return r
}

// Routes registers the governance endpoints on r.
func (c *Console) Routes(r chi.Router) {
	r.Get("/v1/intents/{id}/lease-request", c.handlePendingLease)
	r.Post("/v1/intents/{id}/sign", c.handleSignLease)

	r.Route("/v1/rollouts/{lease}", func(rr chi.Router) {
		rr.Get("/", c.handleGetRollout)
		rr.Post("/pause", c.rolloutCommand(c.PauseRollout))
		rr.Post("/resume", c.rolloutCommand(c.ResumeRollout))
		rr.Post("/rollback", c.rolloutCommand(c.ForceRollback))
		rr.Post("/approve-next-tier", c.rolloutCommand(c.ApproveNextTier))
	})

	r.Post("/v1/kill-switch", c.handleKillSwitch)
	r.Delete("/v1/kill-switch", c.handleReleaseKillSwitch)

	r.Get("/v1/audit", c.handleAudit)
	r.Get("/v1/audit/verify", c.handleVerifyAudit)
}

func (c *Console) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := c.ledger.Healthy(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Console) handlePendingLease(w http.ResponseWriter, r *http.Request) {
	p, err := c.PendingLease(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (c *Console) handleSignLease(w http.ResponseWriter, r *http.Request) {
	var cosigner contracts.Cosigner
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cosigner); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	res, err := c.SignLease(r.Context(), chi.URLParam(r, "id"), cosigner)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Ready {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (c *Console) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	rec, err := c.Rollout(chi.URLParam(r, "lease"))
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteRecord(w, r, http.StatusOK, rec)
}

func (c *Console) rolloutCommand(run func(ctx context.Context, auth Authorization, leaseID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := parseOperator(r)
		if err != nil {
			writeErr(w, err)
			return
		}
		leaseID := chi.URLParam(r, "lease")
		if err := run(r.Context(), auth, leaseID); err != nil {
			writeErr(w, err)
			return
		}
		rec, err := c.Rollout(leaseID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (c *Console) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	auth, err := parseOperator(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req killSwitchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	if err := c.KillSwitch(r.Context(), auth, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"engaged": true})
}

func (c *Console) handleReleaseKillSwitch(w http.ResponseWriter, r *http.Request) {
	auth, err := parseOperator(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := c.ReleaseKillSwitch(r.Context(), auth); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"engaged": false})
}

func (c *Console) handleAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c.Audit(f))
}

func (c *Console) handleVerifyAudit(w http.ResponseWriter, _ *http.Request) {
	if err := c.VerifyAudit(); err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Kind: string(gateerr.KindLedgerFault)})
		return
	}
	head, seq := c.ledger.Head()
	writeJSON(w, http.StatusOK, ChainStatus{OK: true, Head: head, Seq: seq})
}

// ChainStatus reports a verified audit chain.
type ChainStatus struct {
	OK   bool   `json:"ok"`
	Head string `json:"head"`
	Seq  uint64 `json:"seq"`
}

// parseOperator reads the operator signature headers.
func parseOperator(r *http.Request) (Authorization, error) {
	auth := Authorization{
		KeyID:     strings.TrimSpace(r.Header.Get(HeaderOperatorKey)),
		Signature: strings.TrimSpace(r.Header.Get(HeaderOperatorSignature)),
	}
	if auth.KeyID == "" || auth.Signature == "" {
		return auth, gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "missing operator signature headers")
	}
	ts, err := strconv.ParseInt(r.Header.Get(HeaderOperatorTimestamp), 10, 64)
	if err != nil {
		return auth, gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeBadSignature, "bad %s header", HeaderOperatorTimestamp)
	}
	auth.SignedAt = time.Unix(ts, 0).UTC()
	return auth, nil
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:   q.Get("actor"),
		Subject: q.Get("subject"),
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, audit.EventType(t))
	}
	for name, dst := range map[string]*uint64{"from": &f.FromSeq, "to": &f.ToSeq} {
		if v := q.Get(name); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

// StatusFor maps a control-plane error to an HTTP status.
func StatusFor(err error) int {
	switch gateerr.KindOf(err) {
	case gateerr.KindNotFound:
		return http.StatusNotFound
	case gateerr.KindAuthorization:
		return http.StatusForbidden
	case gateerr.KindValidation:
		return http.StatusBadRequest
	case gateerr.KindLedgerFault:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// WriteRecord writes an execution or deployment record in the format named
// by the request's "format" query parameter (json or cbor).
func WriteRecord(w http.ResponseWriter, r *http.Request, status int, rec any) {
	format, err := contracts.ParseRecordFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeErr(w, gateerr.Wrap(err, gateerr.KindValidation, gateerr.CodeMalformedProposal, "bad format parameter"))
		return
	}
	data, err := contracts.EncodeRecord(format, rec)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeErr(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var ge *gateerr.Error
	if errors.As(err, &ge) {
		body.Kind = string(ge.Kind)
		body.Code = ge.Code
		body.AuditSeq = ge.AuditSeq
	}
	writeJSON(w, StatusFor(err), body)
}
