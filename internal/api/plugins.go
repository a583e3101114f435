package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"Aetherra-Core/internal/chain"
	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/internal/versioning"
	"Aetherra-Core/pkg/plugin"
)

type chainRequest struct {
	chain.Request
	Input map[string]any `json:"input,omitempty"`
}

type chainResponse struct {
	Chain  *chain.Chain  `json:"chain"`
	Result *chain.Result `json:"result"`
}

type diffResponse struct {
	Plugin string                `json:"plugin"`
	From   string                `json:"from"`
	To     string                `json:"to"`
	Format versioning.DiffFormat `json:"format"`
	Diff   string                `json:"diff"`
}

type timestampRequest struct {
	Timestamp string `json:"timestamp"`
}

type importRequest struct {
	Location string `json:"location"`
	versioning.SnapshotInput
}

type pruneRequest struct {
	MaxAgeHours  float64 `json:"max_age_hours"`
	MaxPerPlugin int     `json:"max_per_plugin"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Plugins == nil {
		writeError(w, unavailable("plugin manager"))
		return
	}
	infos := s.deps.Plugins.List()
	if infos == nil {
		infos = []plugin.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chainer == nil {
		writeError(w, unavailable("plugin chainer"))
		return
	}
	var req chainRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ch, err := s.deps.Chainer.Build(r.Context(), req.Request)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Chainer.Execute(r.Context(), ch, req.Input, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chainResponse{Chain: ch, Result: res})
}

func (s *Server) versions(w http.ResponseWriter) (*versioning.Control, bool) {
	if s.deps.Versions == nil {
		writeError(w, unavailable("plugin version control"))
		return nil, false
	}
	return s.deps.Versions, true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	history, err := vc.History(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []*versioning.Snapshot{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	snap, err := vc.Get(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "timestamp"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	var in versioning.SnapshotInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	snap, err := vc.CreateSnapshot(r.Context(), chi.URLParam(r, "name"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap.Header())
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	query := r.URL.Query()
	from, to := query.Get("from"), query.Get("to")
	if from == "" || to == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "from and to are required"))
		return
	}
	format, err := versioning.ParseDiffFormat(query.Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	diff, err := vc.Diff(r.Context(), name, from, to, format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diffResponse{Plugin: name, From: from, To: to, Format: format, Diff: diff})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	var req timestampRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Timestamp == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "timestamp is required"))
		return
	}
	res, err := vc.Rollback(r.Context(), chi.URLParam(r, "name"), req.Timestamp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	stats, err := vc.HistoryStats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	var req timestampRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	if req.Timestamp == "" {
		current, err := vc.Current(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Timestamp = current.Timestamp
	}
	location, err := vc.Export(r.Context(), name, req.Timestamp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plugin": name, "timestamp": req.Timestamp, "location": location})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Location == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "location is required"))
		return
	}
	snap, err := vc.Import(r.Context(), chi.URLParam(r, "name"), req.Location, req.SnapshotInput)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap.Header())
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	vc, ok := s.versions(w)
	if !ok {
		return
	}
	var req pruneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MaxAgeHours < 0 || req.MaxPerPlugin < 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "retention limits must not be negative"))
		return
	}
	report, err := vc.Prune(r.Context(), versioning.Retention{
		MaxAge:       time.Duration(req.MaxAgeHours * float64(time.Hour)),
		MaxPerPlugin: req.MaxPerPlugin,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
