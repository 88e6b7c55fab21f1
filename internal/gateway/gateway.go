// Package gateway exposes the daemon's local HTTP surface: a health probe,
// a status snapshot, and a live websocket feed of bus events. Everything
// except /healthz requires the bearer token minted on first run.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	otelapi "go.opentelemetry.io/otel"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/otel"
	"github.com/basket/drover/internal/worker"
)

// statusRunLimit is how many journal rows /api/status returns.
const statusRunLimit = 20

type Config struct {
	Registry *worker.Registry
	Store    *account.Store
	Journal  *journal.Store
	Bus      *bus.Bus

	AuthToken string
	Logger    *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

// Health is the GET /healthz payload.
type Health struct {
	Healthy   bool   `json:"healthy"`
	JournalOK bool   `json:"journal_ok"`
	Workers   int    `json:"workers"`
	Version   string `json:"version"`
}

// AccountInfo is the wire form of a stored identity plus its durable
// progress counter.
type AccountInfo struct {
	Name    string    `json:"name"`
	Backend string    `json:"backend"`
	OwnerID int64     `json:"owner_id"`
	Created time.Time `json:"created"`
	Actions int       `json:"actions"`
}

// StatusSnapshot is the GET /api/status payload.
type StatusSnapshot struct {
	Workers  []worker.Info `json:"workers"`
	Accounts []AccountInfo `json:"accounts"`
	Runs     []journal.Run `json:"runs"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	journalOK := true
	if s.cfg.Journal != nil {
		if _, err := s.cfg.Journal.RecentRuns(r.Context(), 0, 1); err != nil {
			journalOK = false
		}
	}
	payload := Health{
		Healthy:   journalOK,
		JournalOK: journalOK,
		Workers:   s.cfg.Registry.Count(),
		Version:   otel.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	if !payload.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx, span := otel.StartServerSpan(r.Context(), otelapi.Tracer(otel.TracerName), "gateway.status")
	defer span.End()

	idents, err := s.cfg.Store.List(0)
	if err != nil {
		s.logger.Error("account listing failed", "error", err)
		http.Error(w, "account listing failed", http.StatusInternalServerError)
		return
	}
	accounts := make([]AccountInfo, 0, len(idents))
	for _, id := range idents {
		counter, err := s.cfg.Store.Counter(id.Backend, id.Name)
		if err != nil {
			s.logger.Warn("counter read failed", "account", id.Name, "error", err)
		}
		accounts = append(accounts, AccountInfo{
			Name:    id.Name,
			Backend: string(id.Backend),
			OwnerID: id.OwnerID,
			Created: id.Created,
			Actions: counter,
		})
	}

	runs := []journal.Run{}
	if s.cfg.Journal != nil {
		got, err := s.cfg.Journal.RecentRuns(ctx, 0, statusRunLimit)
		if err != nil {
			s.logger.Warn("journal read failed", "error", err)
		}
		if got != nil {
			runs = got
		}
	}

	payload := StatusSnapshot{
		Workers:  s.cfg.Registry.Snapshot(),
		Accounts: accounts,
		Runs:     runs,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}
