package web

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	"nydus/internal/rating"
	"nydus/internal/util"
)

// replayUploadLimit bounds replay uploads, professional games stay well
// under this.
const replayUploadLimit = 32 << 20

func urlUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		return uuid.Nil, util.ErrPublic(fmt.Sprintf("invalid %s", key))
	}

	return id, nil
}

func (s *Server) postQueue(w http.ResponseWriter, r *http.Request) {
	if !s.enqueueLimiter.Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	playerID, err := urlUUID(r, "playerID")
	if err != nil {
		s.error(w, err)
		return
	}

	var payload struct {
		Factions  []string `json:"factions"`
		MapVetoes []string `json:"map_vetoes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.error(w, util.ErrPublic("invalid JSON payload"))
		return
	}

	if err := s.back.Enqueue(playerID, payload.Factions, payload.MapVetoes); err != nil {
		s.error(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteQueue(w http.ResponseWriter, r *http.Request) {
	playerID, err := urlUUID(r, "playerID")
	if err != nil {
		s.error(w, err)
		return
	}

	if err := s.back.DequeuePlayer(playerID); err != nil {
		s.error(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// matchAction parses the shared {match, player} pair of the lifecycle
// endpoints.
func matchAction(r *http.Request) (matchID, playerID uuid.UUID, err error) {
	matchID, err = urlUUID(r, "matchID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	playerID, err = uuid.Parse(r.URL.Query().Get("player"))
	if err != nil {
		return uuid.Nil, uuid.Nil, util.ErrPublic("invalid or missing player parameter")
	}

	return matchID, playerID, nil
}

func (s *Server) postConfirm(w http.ResponseWriter, r *http.Request) {
	matchID, playerID, err := matchAction(r)
	if err != nil {
		s.error(w, err)
		return
	}

	if err := s.back.ConfirmMatch(playerID, matchID); err != nil {
		s.error(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postReport(w http.ResponseWriter, r *http.Request) {
	matchID, playerID, err := matchAction(r)
	if err != nil {
		s.error(w, err)
		return
	}

	var claimed rating.Outcome
	switch result := r.URL.Query().Get("result"); result {
	case "win":
		claimed = rating.OutcomeAWins
	case "loss":
		claimed = rating.OutcomeBWins
	case "draw":
		claimed = rating.OutcomeDraw
	default:
		s.error(w, util.ErrPublic(fmt.Sprintf(
			"result must be win, loss, or draw, got %q", result,
		)))
		return
	}

	if err := s.back.ReportResult(playerID, matchID, claimed); err != nil {
		s.error(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postReplay(w http.ResponseWriter, r *http.Request) {
	matchID, playerID, err := matchAction(r)
	if err != nil {
		s.error(w, err)
		return
	}

	data, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, replayUploadLimit))
	if err != nil {
		s.error(w, util.ErrPublic("unable to read replay upload"))
		return
	}
	if len(data) == 0 {
		s.error(w, util.ErrPublic("empty replay upload"))
		return
	}

	if err := s.back.UploadReplay(r.Context(), playerID, matchID, data); err != nil {
		s.error(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postAbort(w http.ResponseWriter, r *http.Request) {
	matchID, playerID, err := matchAction(r)
	if err != nil {
		s.error(w, err)
		return
	}

	if err := s.back.AbortMatch(playerID, matchID); err != nil {
		s.error(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// postAck is the out-of-band read receipt, it stops notification retries
// for one (match, player) pair.
func (s *Server) postAck(w http.ResponseWriter, r *http.Request) {
	matchID, playerID, err := matchAction(r)
	if err != nil {
		s.error(w, err)
		return
	}

	s.back.MarkNotificationDelivered(matchID, playerID)
	w.WriteHeader(http.StatusNoContent)
}
