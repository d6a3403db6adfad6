package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	appDispute "github.com/mediation-hub/mediation-hub/internal/application/dispute"
	"github.com/mediation-hub/mediation-hub/internal/application/directory"
	"github.com/mediation-hub/mediation-hub/internal/domain/dispute"
	"github.com/mediation-hub/mediation-hub/internal/domain/notification"
	"github.com/mediation-hub/mediation-hub/internal/infrastructure/sse"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

var errBadParam = errors.New("invalid parameter")

func errInvalidParam(name string) error {
	return fmt.Errorf("%w: %s", errBadParam, name)
}

type openDisputeRequest struct {
	SubjectRef     string `json:"subject_ref"`
	BuyerID        string `json:"buyer_id"`
	SellerID       string `json:"seller_id"`
	Reason         string `json:"reason"`
	Priority       string `json:"priority"`
	OpeningMessage string `json:"opening_message"`
}

type appendMessageRequest struct {
	Body string `json:"body"`
}

type transitionRequest struct {
	TargetStatus    string `json:"target_status"`
	ExpectedVersion *int64 `json:"expected_version"`
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

func (s *Server) openDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid request body")
		return
	}
	actor := actorFromContext(r.Context())
	if req.BuyerID == "" {
		req.BuyerID = actor
	}
	if req.BuyerID != actor {
		respondError(w, http.StatusForbidden, "UNAUTHORIZED", "only the buyer may open a dispute")
		return
	}
	d, err := s.disputeSvc.OpenDispute(r.Context(), appDispute.OpenRequest{
		SubjectRef:     req.SubjectRef,
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		Reason:         req.Reason,
		Priority:       req.Priority,
		OpeningMessage: req.OpeningMessage,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

// listDisputes serves the directory. Staff see every dispute; anyone else
// only the disputes they take part in.
func (s *Server) listDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(r, defaultPageSize, maxPageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	f := directory.Filter{Status: q.Get("status"), Participant: q.Get("participant")}
	if f.Status != "" && f.Status != dispute.StatusAll {
		st, err := dispute.ParseStatus(f.Status)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		f.Status = string(st)
	}
	if v := q.Get("priority"); v != "" {
		p, err := dispute.ParsePriority(v)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		f.Priority = p
	}

	actor := actorFromContext(r.Context())
	staff, err := s.isStaff(r, actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	var scope string
	if !staff {
		scope = actor
	}

	var out []dispute.Dispute
	if query := q.Get("q"); query != "" {
		out = make([]dispute.Dispute, 0)
		for _, d := range s.disputeSvc.Search(query) {
			if matchesFilter(d, f) && (scope == "" || isParticipant(d, scope)) {
				out = append(out, d)
			}
		}
	} else {
		if scope != "" {
			if f.Participant != "" && f.Participant != scope {
				respondJSON(w, http.StatusOK, map[string]interface{}{"disputes": []dispute.Dispute{}, "count": 0})
				return
			}
			f.Participant = scope
		}
		out, err = s.disputeSvc.List(f)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"disputes": out, "count": len(out)})
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	d, ok := s.visibleDispute(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "disputeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid dispute id")
		return
	}
	var req appendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid request body")
		return
	}
	msg, err := s.disputeSvc.AppendMessage(r.Context(), id, actorFromContext(r.Context()), req.Body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	d, ok := s.visibleDispute(w, r)
	if !ok {
		return
	}
	after, err := parseCursor(r, "after")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	limit, err := parseLimit(r, defaultPageSize, maxPageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	page, next, err := s.disputeSvc.MessagesPage(r.Context(), d.ID, after, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := map[string]interface{}{"messages": page}
	if next > 0 {
		resp["next_cursor"] = next
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "disputeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid dispute id")
		return
	}
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid request body")
		return
	}
	if req.ExpectedVersion == nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "expected_version required")
		return
	}
	d, err := s.disputeSvc.Transition(r.Context(), id, req.TargetStatus, *req.ExpectedVersion, actorFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) setPriority(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "disputeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid dispute id")
		return
	}
	var req priorityRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid request body")
		return
	}
	d, err := s.disputeSvc.SetPriority(r.Context(), id, req.Priority, actorFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) rebuildDirectory(w http.ResponseWriter, r *http.Request) {
	if err := s.disputeSvc.RebuildDirectory(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	all, _ := s.disputeSvc.ListByStatus(dispute.StatusAll)
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "rebuilt", "disputes": len(all)})
}

// stream pushes the actor's events over SSE. ?dispute=<id> also subscribes to
// every event of a dispute the actor may see.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var groups []string
	if v := r.URL.Query().Get("dispute"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid dispute id")
			return
		}
		d, err := s.disputeSvc.GetDispute(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if ok, err := s.canSee(r, d, actor); err != nil || !ok {
			if err == nil {
				err = dispute.ErrUnauthorized
			}
			s.writeServiceError(w, err)
			return
		}
		groups = append(groups, sse.DisputeGroup(id.String()))
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	clientID := uuid.NewString()
	client := notification.NewSSEClient(clientID, &actor, groups)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open || msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event, payload)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) visibleDispute(w http.ResponseWriter, r *http.Request) (*dispute.Dispute, bool) {
	id, err := parseUUIDParam(r, "disputeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid dispute id")
		return nil, false
	}
	d, err := s.disputeSvc.GetDispute(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	ok, err := s.canSee(r, d, actorFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	if !ok {
		s.writeServiceError(w, dispute.ErrUnauthorized)
		return nil, false
	}
	return d, true
}

func (s *Server) canSee(r *http.Request, d *dispute.Dispute, actor string) (bool, error) {
	if isParticipant(*d, actor) {
		return true, nil
	}
	return s.isStaff(r, actor)
}

func (s *Server) isStaff(r *http.Request, actor string) (bool, error) {
	if s.staff == nil || actor == "" {
		return false, nil
	}
	ok, err := s.staff.IsStaff(r.Context(), actor)
	if err != nil {
		return false, fmt.Errorf("%w: staff lookup: %w", dispute.ErrDependencyUnavailable, err)
	}
	return ok, nil
}

func isParticipant(d dispute.Dispute, actor string) bool {
	return actor != "" && (d.BuyerID == actor || d.SellerID == actor || d.AssignedMediator == actor)
}

func matchesFilter(d dispute.Dispute, f directory.Filter) bool {
	if f.Status != "" && f.Status != dispute.StatusAll && string(d.Status) != f.Status {
		return false
	}
	if f.Priority != "" && d.Priority != f.Priority {
		return false
	}
	if f.Participant != "" && !isParticipant(d, f.Participant) {
		return false
	}
	return true
}

// writeServiceError maps domain errors to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, dispute.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "UNAUTHORIZED", err.Error())
	case errors.Is(err, dispute.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, dispute.ErrVersionConflict):
		respondError(w, http.StatusConflict, "VERSION_CONFLICT", err.Error())
	case errors.Is(err, dispute.ErrEmptyBody):
		respondError(w, http.StatusUnprocessableEntity, "EMPTY_BODY", err.Error())
	case errors.Is(err, dispute.ErrInvalidInput),
		errors.Is(err, dispute.ErrInvalidStatus),
		errors.Is(err, dispute.ErrInvalidPriority),
		errors.Is(err, errBadParam):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, dispute.ErrDependencyUnavailable):
		s.logger.Warn().Err(err).Msg("dependency unavailable")
		respondError(w, http.StatusServiceUnavailable, "DEPENDENCY_UNAVAILABLE", "a dependency is unavailable, retry later")
	default:
		s.logger.Error().Err(err).Msg("unhandled error")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
