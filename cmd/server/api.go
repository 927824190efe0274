package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Simplici0/cabinetry/internal/metrics"
	"github.com/Simplici0/cabinetry/internal/pricing"
	"github.com/Simplici0/cabinetry/internal/ratetable"
	"github.com/Simplici0/cabinetry/internal/versions"
)

const maxBodyBytes = 1 << 20

const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeInvalidRateTable = "INVALID_RATE_TABLE"
	codeVersionNotFound  = "VERSION_NOT_FOUND"
	codePersistenceError = "PERSISTENCE_ERROR"
	codeBadJSON          = "BAD_JSON"
	codeInternal         = "INTERNAL"
)

var errNoPrefill = errors.New("snapshot has no attached prefill")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type saveResponse struct {
	OK                  bool  `json:"ok"`
	NewVersionTimestamp int64 `json:"newVersionTimestamp"`
}

type restoreResponse struct {
	OK                  bool  `json:"ok"`
	RestoredTimestamp   int64 `json:"restoredTimestamp"`
	NewVersionTimestamp int64 `json:"newVersionTimestamp"`
}

type snapshotRequest struct {
	ProposalID string               `json:"proposalId,omitempty"`
	RateTable  *ratetable.RateTable `json:"rateTable,omitempty"`
	Prefill    json.RawMessage      `json:"prefill,omitempty"`
}

type snapshotResponse struct {
	SnapshotTimestamp int64  `json:"snapshotTimestamp"`
	ProposalID        string `json:"proposalId"`
}

type proposalEstimateResponse struct {
	pricing.Result
	SnapshotTimestamp int64 `json:"snapshotTimestamp"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.store.Backend().Name(),
	})
}

func (s *server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req pricing.JobRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	table := s.store.Current(r.Context())
	if raw := r.URL.Query().Get("version"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: version must be a millisecond timestamp", pricing.ErrInvalidRequest))
			return
		}
		rec, err := s.store.Version(r.Context(), ts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		table = rec.RateTable
	}

	s.estimate(w, r, req, table, func(res pricing.Result) any { return res })
}

func (s *server) estimate(w http.ResponseWriter, r *http.Request, req pricing.JobRequest, table ratetable.RateTable, wrap func(pricing.Result) any) {
	res, err := pricing.Estimate(req, table)
	if err != nil {
		metrics.EstimatesTotal.WithLabelValues("invalid").Inc()
		s.writeError(w, r, err)
		return
	}

	metrics.EstimatesTotal.WithLabelValues("ok").Inc()
	metrics.EstimateWarnings.Add(float64(len(res.Warnings)))
	s.writeJSON(w, http.StatusOK, wrap(res))
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Current(r.Context()))
}

func (s *server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	s.saveConfig(w, r, s.store.Save)
}

func (s *server) handleImportConfig(w http.ResponseWriter, r *http.Request) {
	s.saveConfig(w, r, s.store.Import)
}

func (s *server) saveConfig(w http.ResponseWriter, r *http.Request, save func(context.Context, ratetable.RateTable) (versions.Record, error)) {
	var table ratetable.RateTable
	if !s.decodeJSON(w, r, &table) {
		return
	}

	rec, err := save(r.Context(), table)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saveResponse{OK: true, NewVersionTimestamp: rec.Timestamp})
}

func (s *server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Versions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []versions.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.timestampParam(w, r)
	if !ok {
		return
	}

	rec, err := s.store.Version(r.Context(), ts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.timestampParam(w, r)
	if !ok {
		return
	}

	rec, err := s.store.Restore(r.Context(), ts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, restoreResponse{
		OK:                  true,
		RestoredTimestamp:   ts,
		NewVersionTimestamp: rec.Timestamp,
	})
}

func (s *server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var body snapshotRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}

	rec, err := s.store.SnapshotForProposal(r.Context(), versions.SnapshotRequest{
		ProposalID: body.ProposalID,
		RateTable:  body.RateTable,
		Prefill:    body.Prefill,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snapshotResponse{
		SnapshotTimestamp: rec.Timestamp,
		ProposalID:        rec.ProposalID,
	})
}

func (s *server) handleGetProposalSnapshot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.ProposalSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleProposalEstimate reproduces a proposal's figures from its frozen
// request and rate table, regardless of later configuration changes.
func (s *server) handleProposalEstimate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.ProposalSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(rec.AttachedPrefill) == 0 {
		s.writeError(w, r, errNoPrefill)
		return
	}

	var req pricing.JobRequest
	if err := json.Unmarshal(rec.AttachedPrefill, &req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", versions.ErrInvalidPrefill, err))
		return
	}

	s.estimate(w, r, req, rec.RateTable, func(res pricing.Result) any {
		return proposalEstimateResponse{Result: res, SnapshotTimestamp: rec.Timestamp}
	})
}

func (s *server) timestampParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "timestamp")
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts <= 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("invalid version timestamp %q", raw),
			Code:  codeInvalidRequest,
		})
		return 0, false
	}
	return ts, true
}

func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid JSON body: " + err.Error(),
			Code:  codeBadJSON,
		})
		return false
	}
	return true
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	var perr *versions.PersistenceError
	switch {
	case errors.Is(err, pricing.ErrInvalidRequest),
		errors.Is(err, versions.ErrInvalidPrefill),
		errors.Is(err, errNoPrefill):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, ratetable.ErrInvalid):
		return http.StatusBadRequest, codeInvalidRateTable
	case errors.Is(err, versions.ErrVersionNotFound):
		return http.StatusNotFound, codeVersionNotFound
	case errors.As(err, &perr):
		return http.StatusServiceUnavailable, codePersistenceError
	}
	return http.StatusInternalServerError, codeInternal
}

// writeJSON encodes before writing the header so an unencodable value turns
// into a 500 instead of a success status with an empty body.
func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.log.Error("encode response failed", zap.Int("status", status), zap.Error(err))
		status = http.StatusInternalServerError
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(errorResponse{Error: "response could not be encoded", Code: codeInternal})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.log.Debug("write response failed", zap.Error(err))
	}
}
