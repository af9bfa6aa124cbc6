package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/governance"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
)

const maxBodyBytes = 4 << 20

type createIntentRequest struct {
	Goal  string          `json:"goal"`
	Scope contracts.Scope `json:"scope"`
}

type execRequest struct {
	Command []string `json:"command"`
}

// leaseResponse carries the token in lease wire format next to its bearer
// envelope.
type leaseResponse struct {
	Token  json.RawMessage `json:"token"`
	Bearer string          `json:"bearer"`
}

// errorResponse carries a partial result next to the error, e.g. the
// execution record of a timed-out run.
type errorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Code     string `json:"code,omitempty"`
	AuditSeq uint64 `json:"audit_seq,omitempty"`
	Result   any    `json:"result,omitempty"`
}

// Handler serves the agent API and the governance API.
func (cp *ControlPlane) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := cp.parts.Ledger.Healthy(); err != nil {
			writeErr(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	cp.console.Routes(r)

	r.Post("/v1/intents", cp.handleCreateIntent)
	r.Get("/v1/intents/{id}", cp.handleGetIntent)
	r.Post("/v1/intents/{id}/proposal", cp.handleSubmit)
	r.Get("/v1/intents/{id}/lease", cp.handleGetLease)
	r.Post("/v1/exec", cp.handleExec)
	r.Post("/v1/deploy", cp.handleDeploy)
	return r
}

func (cp *ControlPlane) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := cp.CreateIntent(r.Context(), req.Goal, req.Scope)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (cp *ControlPlane) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	in, err := cp.Intent(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (cp *ControlPlane) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p contracts.Proposal
	if !decode(w, r, &p) {
		return
	}
	id := chi.URLParam(r, "id")
	if p.IntentID == "" {
		p.IntentID = id
	}
	sub, err := cp.Submit(r.Context(), id, p)
	if err != nil && sub != nil {
		writeErr(w, err, sub)
		return
	}
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (cp *ControlPlane) handleGetLease(w http.ResponseWriter, r *http.Request) {
	t, err := cp.Lease(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	wire, err := lease.MarshalWire(t)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	bearer, err := cp.Bearer(t)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, leaseResponse{Token: wire, Bearer: bearer})
}

func (cp *ControlPlane) handleExec(w http.ResponseWriter, r *http.Request) {
	token, ok := cp.bearerToken(w, r)
	if !ok {
		return
	}
	var req execRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := cp.Execute(r.Context(), token, req.Command)
	if err != nil && rec != nil {
		writeErr(w, err, rec)
		return
	}
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	governance.WriteRecord(w, r, http.StatusOK, rec)
}

func (cp *ControlPlane) handleDeploy(w http.ResponseWriter, r *http.Request) {
	token, ok := cp.bearerToken(w, r)
	if !ok {
		return
	}
	staged, err := cp.Launch(r.Context(), token)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	w.Header().Set("Location", "/v1/rollouts/"+staged.LeaseID)
	writeJSON(w, http.StatusAccepted, staged)
}

func (cp *ControlPlane) bearerToken(w http.ResponseWriter, r *http.Request) (*contracts.LeaseToken, bool) {
	bearer, ok := parseBearer(r.Header.Get("Authorization"))
	if !ok {
		writeErr(w, gateerr.New(gateerr.KindAuthorization, gateerr.CodeMalformedToken, "missing lease bearer token"), nil)
		return nil, false
	}
	token, err := cp.DecodeBearer(bearer)
	if err != nil {
		writeErr(w, err, nil)
		return nil, false
	}
	return token, true
}

func parseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	return token, token != ""
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeErr(w http.ResponseWriter, err error, result any) {
	body := errorResponse{Error: err.Error(), Result: result}
	var ge *gateerr.Error
	if errors.As(err, &ge) {
		body.Kind = string(ge.Kind)
		body.Code = ge.Code
		body.AuditSeq = ge.AuditSeq
	}
	writeJSON(w, governance.StatusFor(err), body)
}
