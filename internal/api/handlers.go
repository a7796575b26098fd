package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/balance-ledger/internal/types"
	"github.com/gorilla/mux"
)

// BalanceResponse is the payload for a single-subject balance read.
type BalanceResponse struct {
	SubjectID types.SubjectID `json:"subjectId"`
	Amount    int64           `json:"amount"`
	AsOf      time.Time       `json:"asOf"`
}

// BalancesResponse is the payload for a multi-subject balance read.
type BalancesResponse struct {
	Balances map[string]int64 `json:"balances"`
	AsOf     time.Time        `json:"asOf"`
}

// SubjectSetRequest carries an optional subject set. A missing or null
// subjects field means "all subjects"; an empty array is a valid request
// that targets nothing.
type SubjectSetRequest struct {
	Subjects []types.SubjectID `json:"subjects"`
}

// handleGetBalance handles GET /api/subjects/{id}/balance
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	subject, err := parseSubjectID(vars["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "subject id must be an integer", map[string]interface{}{
			"id": vars["id"],
		})
		return
	}

	amount, err := s.balanceService.GetBalance(r.Context(), subject)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, BalanceResponse{
		SubjectID: subject,
		Amount:    amount,
		AsOf:      time.Now().UTC(),
	})
}

// handleGetBalances handles GET /api/balances?subjects=1,2,3
// Omitting the subjects parameter returns every touched subject.
func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	subjects, err := parseSubjectQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "subjects must be a comma-separated list of integers", map[string]interface{}{
			"subjects": r.URL.Query().Get("subjects"),
		})
		return
	}

	s.respondBalances(w, r, subjects)
}

// handleQueryBalances handles POST /api/balances/query. It exists for
// subject sets too large for a query string.
func (s *Server) handleQueryBalances(w http.ResponseWriter, r *http.Request) {
	var req SubjectSetRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	s.respondBalances(w, r, req.Subjects)
}

func (s *Server) respondBalances(w http.ResponseWriter, r *http.Request, subjects []types.SubjectID) {
	balances, err := s.balanceService.GetBalances(r.Context(), subjects)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	// JSON object keys are strings; subject ids are rendered as decimals.
	out := make(map[string]int64, len(balances))
	for subject, amount := range balances {
		out[strconv.FormatInt(int64(subject), 10)] = amount
	}

	respondJSON(w, http.StatusOK, BalancesResponse{
		Balances: out,
		AsOf:     time.Now().UTC(),
	})
}

// handleRefresh handles POST /api/balances/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req SubjectSetRequest
	if r.ContentLength != 0 {
		if err := parseJSONBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "invalid request body", map[string]interface{}{
				"reason": err.Error(),
			})
			return
		}
	}

	if err := s.balanceService.Refresh(r.Context(), req.Subjects); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// handleInvalidate handles DELETE /api/balances?subjects=1,2,3
// Omitting the subjects parameter drops every snapshot.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	subjects, err := parseSubjectQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "subjects must be a comma-separated list of integers", map[string]interface{}{
			"subjects": r.URL.Query().Get("subjects"),
		})
		return
	}

	if err := s.balanceService.Invalidate(r.Context(), subjects); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func parseSubjectID(raw string) (types.SubjectID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return types.SubjectID(id), nil
}

// parseSubjectQuery reads the subjects query parameter. An absent
// parameter yields nil ("all subjects"); an empty value yields an empty
// non-nil slice.
func parseSubjectQuery(r *http.Request) ([]types.SubjectID, error) {
	if !r.URL.Query().Has("subjects") {
		return nil, nil
	}

	raw := r.URL.Query().Get("subjects")
	subjects := []types.SubjectID{}
	if raw == "" {
		return subjects, nil
	}

	for _, part := range strings.Split(raw, ",") {
		subject, err := parseSubjectID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}

	return subjects, nil
}
