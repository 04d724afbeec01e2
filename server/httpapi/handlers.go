package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/db"
	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/server/delivery"
	"github.com/allgood/pigeonhole/server/sieveengine"
	"github.com/allgood/pigeonhole/sieve"
)

type ScriptRequest struct {
	Script string `json:"script"`
}

type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

type CheckResponse struct {
	Valid  bool         `json:"valid"`
	Errors []Diagnostic `json:"errors,omitempty"`
}

type CompileResponse struct {
	Hash string `json:"hash"`
	Dump string `json:"dump"`
}

type EvaluateRequest struct {
	Script       string `json:"script"`
	Message      string `json:"message"`
	EnvelopeFrom string `json:"envelope_from"`
	EnvelopeTo   string `json:"envelope_to"`
}

type VacationResponse struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Mime    bool   `json:"mime,omitempty"`
	Handle  string `json:"handle,omitempty"`
}

type ResultResponse struct {
	Action    string            `json:"action"`
	Mailboxes []string          `json:"mailboxes,omitempty"`
	Redirects []string          `json:"redirects,omitempty"`
	Flags     []string          `json:"flags"`
	Keep      bool              `json:"keep"`
	Vacation  *VacationResponse `json:"vacation,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
}

type PutScriptRequest struct {
	Name     string `json:"name"`
	Script   string `json:"script"`
	Activate *bool  `json:"activate,omitempty"`
}

type ScriptResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Script    string    `json:"script"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DeliverRequest struct {
	Message      string `json:"message"`
	EnvelopeFrom string `json:"envelope_from"`
	EnvelopeTo   string `json:"envelope_to"`
}

type DeliverResponse struct {
	Result  ResultResponse   `json:"result"`
	Outcome delivery.Outcome `json:"outcome"`
}

func toResultResponse(r sieveengine.Result) ResultResponse {
	resp := ResultResponse{
		Action:    string(r.Action),
		Mailboxes: r.Mailboxes,
		Redirects: r.Redirects,
		Flags:     r.Flags,
		Keep:      r.KeepsMessage(),
		Warnings:  r.Warnings,
	}
	if resp.Flags == nil {
		resp.Flags = []string{}
	}
	if r.HasVacation() {
		resp.Vacation = &VacationResponse{
			To:      r.VacationTo,
			From:    r.VacationFrom,
			Subject: r.VacationSubj,
			Body:    r.VacationMsg,
			Mime:    r.VacationIsMime,
			Handle:  r.VacationHandle,
		}
	}
	return resp
}

func diagnostics(err error) []Diagnostic {
	var list sieve.ErrorList
	if errors.As(err, &list) {
		out := make([]Diagnostic, 0, len(list))
		for _, d := range list {
			out = append(out, Diagnostic{Line: d.Pos.Line, Column: d.Pos.Col, Message: d.Message})
		}
		return out
	}
	var d *sieve.Diagnostic
	if errors.As(err, &d) {
		return []Diagnostic{{Line: d.Pos.Line, Column: d.Pos.Col, Message: d.Message}}
	}
	return []Diagnostic{{Message: err.Error()}}
}

// writeCompileError answers a script that does not compile with 422 and
// its diagnostics. It returns false for other errors.
func (s *Server) writeCompileError(w http.ResponseWriter, err error) bool {
	var list sieve.ErrorList
	var d *sieve.Diagnostic
	if errors.As(err, &list) || errors.As(err, &d) || errors.Is(err, consts.ErrScriptTooLarge) {
		s.writeJSON(w, http.StatusUnprocessableEntity, CheckResponse{Errors: diagnostics(err)})
		return true
	}
	return false
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.CheckScript(req.Script); err != nil {
		if !s.writeCompileError(w, err) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, CheckResponse{Valid: true})
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.engine.Compile(r.Context(), req.Script)
	if err != nil {
		if !s.writeCompileError(w, err) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	var dump bytes.Buffer
	if err := s.engine.Dump(c.Program, &dump); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, CompileResponse{Hash: c.Hash, Dump: dump.String()})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"extensions": s.engine.Capabilities()})
}

// handleEvaluate is a dry run: vacation state is tracked in a throwaway
// oracle and nothing is relayed.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	msgCtx, err := sieveengine.ContextFromBytes([]byte(req.Message), req.EnvelopeFrom, req.EnvelopeTo)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.engine.Compile(r.Context(), req.Script)
	if err != nil {
		if !s.writeCompileError(w, err) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	exec := s.engine.ExecutorFor(c.Program, 0, sieveengine.NewMemoryVacationOracle())
	res, err := exec.Evaluate(r.Context(), msgCtx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toResultResponse(res))
}

func (s *Server) handlePutScript(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil {
		s.writeError(w, http.StatusNotImplemented, "Script storage is not configured")
		return
	}
	id, err := accountID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	var req PutScriptRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}
	if err := s.engine.CheckScript(req.Script); err != nil {
		if !s.writeCompileError(w, err) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	activate := req.Activate == nil || *req.Activate

	stored, err := s.scripts.PutScript(r.Context(), id, req.Name, req.Script, activate)
	if err != nil {
		logger.ErrorContext(r.Context(), "HTTP API: storing script failed", "account_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to store script")
		return
	}
	s.writeJSON(w, http.StatusOK, toScriptResponse(stored))
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil {
		s.writeError(w, http.StatusNotImplemented, "Script storage is not configured")
		return
	}
	id, err := accountID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	script, err := s.scripts.GetActiveScript(r.Context(), id)
	if errors.Is(err, consts.ErrDBNotFound) {
		s.writeError(w, http.StatusNotFound, "No active script")
		return
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "HTTP API: loading script failed", "account_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load script")
		return
	}
	s.writeJSON(w, http.StatusOK, toScriptResponse(script))
}

// handleDeliver runs the account's active script on a message and carries
// out its redirect and vacation actions. Without an active script, or when
// the script fails, the message is kept.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	id, err := accountID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	var req DeliverRequest
	if !s.decode(w, r, &req) {
		return
	}
	raw := []byte(req.Message)
	msgCtx, err := sieveengine.ContextFromBytes(raw, req.EnvelopeFrom, req.EnvelopeTo)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	result := sieveengine.Result{Action: sieveengine.ActionKeep, Flags: []string{}}
	if s.scripts != nil {
		script, err := s.scripts.GetActiveScript(ctx, id)
		switch {
		case errors.Is(err, consts.ErrDBNotFound):
		case err != nil:
			logger.WarnContext(ctx, "HTTP API: active script unavailable, keeping message", "account_id", id, "error", err)
		default:
			exec, err := s.engine.NewExecutorWithOracle(ctx, script.Script, id, s.oracle)
			if err != nil {
				logger.WarnContext(ctx, "HTTP API: active script does not compile, keeping message", "account_id", id, "error", err)
				break
			}
			// Evaluate returns a keep result alongside any error.
			result, _ = exec.Evaluate(ctx, msgCtx)
		}
	}

	outcome, err := s.delivery.Apply(ctx, delivery.Recipient{
		AccountID:    id,
		Address:      req.EnvelopeTo,
		EnvelopeFrom: req.EnvelopeFrom,
	}, result, raw)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, DeliverResponse{Result: toResultResponse(result), Outcome: outcome})
}

func toScriptResponse(s *db.SieveScript) ScriptResponse {
	return ScriptResponse{ID: s.ID, Name: s.Name, Script: s.Script, Active: s.Active, UpdatedAt: s.UpdatedAt}
}
