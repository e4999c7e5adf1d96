// Package api is the HTTP surface of a node: starting launches and polling
// their outcome, listing received probes, and reading the network map.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"solarsystem/domain"
	"solarsystem/flows"
	"solarsystem/identity"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VisitedLister lists probes received by this node.
type VisitedLister interface {
	ListVisited(ctx context.Context) ([]flows.DisplayEntry, error)
	PageVisited(ctx context.Context, token string) (flows.VisitedPage, error)
}

// MemberLister reads the network map.
type MemberLister interface {
	Members(ctx context.Context) ([]identity.Member, error)
}

// Config bundles the collaborators of a Server.
type Config struct {
	Self     identity.Member
	Tracker  *Tracker
	Visited  VisitedLister
	Members  MemberLister
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger
}

// Server routes HTTP requests to the node.
type Server struct {
	cfg    Config
	router chi.Router
}

func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/flows", func(api chi.Router) {
		api.Post("/launch-probe", s.launchProbe)
		api.Get("/{flowId}/outcome", s.flowOutcome)
		api.Post("/list-visited", s.listVisited)
	})
	r.Route("/members", func(api chi.Router) {
		api.Get("/", s.members)
		api.Get("/me", s.me)
	})
}

// launchRequest carries launch parameters as strings, planetaryOnly
// included, the way flow starters send them.
type launchRequest struct {
	ClientID      string  `json:"clientId"`
	Message       *string `json:"message"`
	Target        *string `json:"target"`
	PlanetaryOnly *string `json:"planetaryOnly"`
}

func (req launchRequest) params() map[string]string {
	out := map[string]string{}
	for key, v := range map[string]*string{"message": req.Message, "target": req.Target, "planetaryOnly": req.PlanetaryOnly} {
		if v != nil {
			out[key] = *v
		}
	}
	return out
}

type launchResponse struct {
	FlowID   string `json:"flowId"`
	ClientID string `json:"clientId"`
}

func (s *Server) launchProbe(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientID == "" {
		writeError(w, domain.New(domain.CodeInput, `Parameter "clientId" missing.`))
		return
	}
	params, err := flows.ParseLaunchParams(req.params())
	if err != nil {
		writeError(w, err)
		return
	}

	flowID, started := s.cfg.Tracker.Start(req.ClientID, params)
	status := http.StatusAccepted
	if !started {
		status = http.StatusOK
	}
	writeJSON(w, status, launchResponse{FlowID: flowID, ClientID: req.ClientID})
}

func (s *Server) flowOutcome(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowId")
	o, ok := s.cfg.Tracker.Outcome(flowID)
	if !ok {
		notFound(w, "flow "+flowID)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// visitedRequest selects paging. An empty body lists everything at once.
type visitedRequest struct {
	Paged     bool   `json:"paged"`
	PageToken string `json:"pageToken"`
}

type visitedResponse struct {
	Entries       []flows.DisplayEntry `json:"entries"`
	Lines         []string             `json:"lines"`
	NextPageToken string               `json:"nextPageToken,omitempty"`
}

func (s *Server) listVisited(w http.ResponseWriter, r *http.Request) {
	var req visitedRequest
	if err := readOptionalJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var page flows.VisitedPage
	var err error
	if req.Paged || req.PageToken != "" {
		page, err = s.cfg.Visited.PageVisited(r.Context(), req.PageToken)
	} else {
		page.Entries, err = s.cfg.Visited.ListVisited(r.Context())
	}
	if err != nil {
		s.cfg.Logger.Warn("list visited failed", "error", err)
		writeError(w, err)
		return
	}

	resp := visitedResponse{Entries: page.Entries, Lines: make([]string, 0, len(page.Entries)), NextPageToken: page.Next}
	if resp.Entries == nil {
		resp.Entries = []flows.DisplayEntry{}
	}
	for _, e := range page.Entries {
		resp.Lines = append(resp.Lines, e.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

type membersResponse struct {
	Members []identity.Member `json:"members"`
}

func (s *Server) members(w http.ResponseWriter, r *http.Request) {
	members, err := s.cfg.Members.Members(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if members == nil {
		members = []identity.Member{}
	}
	writeJSON(w, http.StatusOK, membersResponse{Members: members})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Self)
}
