package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/rehearsal/internal/observability"
)

// handlePerfStages reports the rolling per-stage latency window. ?stage=
// narrows the report to one stage and ?reset=true clears the window after
// the snapshot is taken.
func (s *Server) handlePerfStages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reset := false
	if raw := q.Get("reset"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "reset must be a boolean")
			return
		}
		reset = v
	}

	var snap observability.TurnStageSnapshot
	if s.metrics != nil {
		snap = s.metrics.TurnStageSnapshot()
		if reset {
			s.metrics.ResetTurnStages()
		}
	}
	if snap.Stages == nil {
		snap.Stages = []observability.TurnStageStats{}
	}

	if stage := strings.TrimSpace(q.Get("stage")); stage != "" {
		kept := snap.Stages[:0]
		for _, st := range snap.Stages {
			if st.Stage == stage {
				kept = append(kept, st)
			}
		}
		snap.Stages = kept
	}
	respondJSON(w, http.StatusOK, snap)
}
