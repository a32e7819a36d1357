package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/sheetloop/internal/fixture"
	"github.com/mattjoyce/sheetloop/internal/pipeline"
	"github.com/mattjoyce/sheetloop/internal/sse"
)

// FixtureListResponse is returned by GET /fixture/list.
type FixtureListResponse struct {
	Scenarios []*fixture.Scenario `json:"scenarios"`
}

// handleListFixtures handles GET /fixture/list.
func (s *Server) handleListFixtures(w http.ResponseWriter, r *http.Request) {
	if s.fixtures == nil {
		respondJSON(w, http.StatusOK, FixtureListResponse{Scenarios: []*fixture.Scenario{}})
		return
	}
	all, err := s.fixtures.List()
	if err != nil {
		s.logger.Error("failed to list fixtures", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list fixtures")
		return
	}
	if all == nil {
		all = []*fixture.Scenario{}
	}
	respondJSON(w, http.StatusOK, FixtureListResponse{Scenarios: all})
}

// handleRunFixture handles POST /fixture/run/{scenario_id}/{case_id}. Scripted
// cases are replayed verbatim; prompt cases run the pipeline on the scenario
// datasets without touching the transcript store.
func (s *Server) handleRunFixture(w http.ResponseWriter, r *http.Request) {
	scenarioID := chi.URLParam(r, "scenario_id")
	caseID := chi.URLParam(r, "case_id")
	if s.fixtures == nil {
		s.writeError(w, http.StatusNotFound, "fixtures are not configured")
		return
	}

	sc, err := s.fixtures.Scenario(scenarioID)
	if err != nil {
		s.writeFixtureError(w, err)
		return
	}
	cs, err := sc.Case(caseID)
	if err != nil {
		s.writeFixtureError(w, err)
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ctx := r.Context()
	stop := s.heartbeat(ctx, sw)
	defer stop()

	log := s.logger.With("scenario", scenarioID, "case", caseID)
	log.Info("fixture run started", "scripted", cs.Scripted())

	if cs.Scripted() {
		err = fixture.Replay(ctx, cs, writerSink{sw})
	} else {
		turnID := uuid.New().String()
		_, err = s.runner.Run(ctx, pipeline.Request{TurnID: turnID, Query: cs.Prompt, Files: sc.Inputs()}, stampedEmitter(sw, "", turnID))
	}
	if err != nil && ctx.Err() == nil {
		log.Warn("fixture run failed", "error", err)
		_ = sw.Event("error", ErrorEvent{Message: err.Error()})
		return
	}
	log.Info("fixture run finished")
}

// handleFixtureDataset handles GET /fixture/dataset/{scenario_id}/{file}.
func (s *Server) handleFixtureDataset(w http.ResponseWriter, r *http.Request) {
	if s.fixtures == nil {
		s.writeError(w, http.StatusNotFound, "fixtures are not configured")
		return
	}
	file := chi.URLParam(r, "file")
	path, err := s.fixtures.Dataset(chi.URLParam(r, "scenario_id"), file)
	if err != nil {
		s.writeFixtureError(w, err)
		return
	}
	serveAttachment(w, r, path, file)
}

func (s *Server) writeFixtureError(w http.ResponseWriter, err error) {
	if errors.Is(err, fixture.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("failed to load fixture", "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to load fixture")
}

type writerSink struct {
	sw *sse.Writer
}

func (s writerSink) Send(_ context.Context, name string, data []byte) error {
	return s.sw.Event(name, data)
}
