package scoutsync

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

const maxSubmitBody = 8 << 20

// Handler serves the local API consumed by the scouting front end.
func (s *Service) Handler() http.Handler {
	r := httprouter.New()
	r.POST("/api/submit-match", s.authed(s.handleSubmitMatch))
	r.GET("/api/event/:eventKey", s.authed(s.handleEvent))
	r.GET("/api/event/:eventKey/scout-groups", s.authed(s.handleScoutGroups))
	r.GET("/api/event/:eventKey/team/:team/stats", s.authed(s.handleTeamStats))
	r.GET("/api/events/:year", s.handleEvents)
	r.GET("/api/accounts", s.authed(s.handleAccounts))
	r.GET("/api/picture/:id", s.handlePicture)
	r.GET("/api/pending", s.authed(s.handlePending))
	r.POST("/api/flush", s.authed(s.handleFlush))
	r.GET("/api/ping", s.handlePing)
	return r
}

func (s *Service) checkAccessKey(r *http.Request) bool {
	want := s.cfg.Server.AccessKey
	if want == "" {
		return true
	}
	got := r.Header.Get("X-API-KEY")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Service) authed(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.authorize(r) {
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		h(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Service) handleSubmitMatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var m Match
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
	if err := dec.Decode(&m); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid data")
		return
	}

	rec, results, err := s.SubmitMatch(r.Context(), m)
	var sv *SchemaViolation
	switch {
	case errors.As(err, &sv):
		s.logger.Info("rejected match", slog.Any("problems", sv.Problems))
		writeMessage(w, http.StatusBadRequest, "Invalid data")
		return
	case err != nil:
		s.logger.Error("submit match", slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, "Error")
		return
	}

	// The record is durable already; wait briefly so the caller learns whether
	// it went out right away, but never fail the request over delivery.
	resp := map[string]any{"message": "Accepted", "id": rec.ID, "delivered": false}
	select {
	case res := <-results:
		resp["delivered"] = res.Delivered
		if res.Delivered {
			resp["message"] = "Success"
		}
	case <-time.After(s.cfg.Queue.timeoutDur + time.Second):
	case <-r.Context().Done():
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) writeQuery(w http.ResponseWriter, body json.RawMessage, err error) {
	if err != nil {
		s.logger.Error("query", slog.Any("error", err))
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUpstreamUnavailable) {
			status = http.StatusBadGateway
		}
		writeMessage(w, status, "Error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, err := s.Event(r.Context(), ps.ByName("eventKey"))
	s.writeQuery(w, body, err)
}

func (s *Service) handleScoutGroups(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, err := s.ScoutGroups(r.Context(), ps.ByName("eventKey"))
	s.writeQuery(w, body, err)
}

func (s *Service) handleTeamStats(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	team, err := strconv.Atoi(ps.ByName("team"))
	if err != nil || team <= 0 {
		writeMessage(w, http.StatusBadRequest, "Invalid team")
		return
	}
	body, err := s.TeamStats(r.Context(), ps.ByName("eventKey"), team)
	s.writeQuery(w, body, err)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	year, err := strconv.Atoi(ps.ByName("year"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid year")
		return
	}
	body, err := s.Events(r.Context(), year)
	s.writeQuery(w, body, err)
}

func (s *Service) handleAccounts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := s.Accounts(r.Context())
	s.writeQuery(w, body, err)
}

func (s *Service) handlePicture(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, contentType, err := s.Picture(r.Context(), ps.ByName("id"))
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("picture", slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, "Error")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type pendingView struct {
	ID        string    `json:"id"`
	EventKey  string    `json:"eventKey"`
	Team      int       `json:"team"`
	CompLevel CompLevel `json:"compLevel"`
	Match     int       `json:"match"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Service) handlePending(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	recs, err := s.Pending(SubmissionFilter{EventKey: r.URL.Query().Get("event")})
	if err != nil {
		s.logger.Error("pending", slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, "Error")
		return
	}
	out := make([]pendingView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, pendingView{
			ID:        rec.ID,
			EventKey:  rec.Keys.EventKey,
			Team:      rec.Keys.Team,
			CompLevel: rec.Keys.CompLevel,
			Match:     rec.Keys.Match,
			Bytes:     len(rec.Body),
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleFlush(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	report, err := s.ResubmitAll(r.Context(), SubmissionFilter{EventKey: r.URL.Query().Get("event")})
	if err != nil {
		s.logger.Error("flush", slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, "Error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handlePing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	latency, err := s.Ping(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true, "latencyMs": latency.Milliseconds()})
}
