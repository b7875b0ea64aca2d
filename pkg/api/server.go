// Package api is the admin HTTP surface: authentication, controller/prover
// CRUD backed directly by Store, and the task input/proof exchange that
// feeds Orchestrator's command channel.
package api

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pozk-network/miner-orchestrator/internal/logx"
	"github.com/pozk-network/miner-orchestrator/pkg/events"
	"github.com/pozk-network/miner-orchestrator/pkg/metrics"
	"github.com/pozk-network/miner-orchestrator/pkg/orchestrator"
	"github.com/pozk-network/miner-orchestrator/pkg/store"
	"github.com/pozk-network/miner-orchestrator/pkg/types"
)

var errShortInputFile = errors.New("input file missing or truncated")

// commandSender is the narrow interface Server needs from Orchestrator.
type commandSender interface {
	Send(orchestrator.Command)
}

// Config wires Server to its dependencies.
type Config struct {
	ChainID      *big.Int
	JWTSecret    string
	ProxyTimeout time.Duration
	// BasePath is the same job-file root Orchestrator writes under, so GET
	// /tasks/:id can serve the raw input file directly.
	BasePath string
	// MinerAddress is the on-chain address POST /login must match.
	MinerAddress common.Address
	// AllowedLoginDomains is the EIP-712 domain allow-list POST /login
	// checks before recovering a signature.
	AllowedLoginDomains []string
}

// Server is the net/http.ServeMux-based admin surface.
type Server struct {
	cfg    Config
	store  store.Store
	orch   commandSender
	auth   *authenticator
	broker *events.Broker
	mux    *http.ServeMux
}

// New builds Server and registers every route.
func New(cfg Config, st store.Store, orch commandSender, broker *events.Broker) *Server {
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		orch:   orch,
		auth:   newAuthenticator(cfg.ChainID, cfg.JWTSecret, cfg.MinerAddress, cfg.AllowedLoginDomains),
		broker: broker,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", withMetrics("health", healthHandler))
	s.mux.HandleFunc("/ready", withMetrics("ready", readyHandler(s.store)))
	s.mux.Handle("/metrics", metricsHandler())

	s.mux.HandleFunc("/login", withMetrics("login", s.auth.handleLogin))

	s.mux.HandleFunc("/api/controllers", withMetrics("controllers", s.auth.requireAuth(s.handleControllers)))
	s.mux.HandleFunc("/api/controllers/", withMetrics("controllers", s.auth.requireAuth(s.handleControllerByAddr)))
	s.mux.HandleFunc("/api/provers", withMetrics("provers", s.auth.requireAuth(s.handleProvers)))
	s.mux.HandleFunc("/api/provers/", withMetrics("provers", s.auth.requireAuth(s.handleProverByAddr)))
	s.mux.HandleFunc("/tasks/", withMetrics("tasks", s.auth.requireAuth(s.handleTask)))
	s.mux.HandleFunc("/events", withMetrics("events", s.auth.requireAuth(s.handleEvents)))
}

// Handler exposes the registered mux for embedding in an http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func withMetrics(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so streaming handlers (GET /events)
// still see an http.Flusher behind withMetrics.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// controllerRequest is the create/update body for both the collection and
// per-address controller routes.
type controllerRequest struct {
	Address    common.Address `json:"address"`
	PrivateKey string         `json:"private_key"`
	Label      string         `json:"label"`
}

func (s *Server) addController(w http.ResponseWriter, r *http.Request, addr common.Address) {
	var req controllerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if addr != (common.Address{}) {
		req.Address = addr
	}
	keyBytes := common.FromHex(req.PrivateKey)
	if len(keyBytes) != 32 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "private_key must be 32 bytes hex"})
		return
	}
	var key [32]byte
	copy(key[:], keyBytes)
	c := &types.Controller{Address: req.Address, PrivateKey: key, Label: req.Label, CreatedAt: time.Now()}
	if err := s.store.AddController(c); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": c.Address.Hex()})
}

// handleControllers implements GET/POST /api/controllers: GET lists, POST
// adds (address given in the body).
func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request, _ common.Address) {
	switch r.Method {
	case http.MethodGet:
		offset, limit := paginationParams(r)
		list, total, err := s.store.ListControllers(offset, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, listResponse[*types.Controller]{Items: list, Total: total})

	case http.MethodPost:
		s.addController(w, r, common.Address{})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleControllerByAddr implements GET/POST/DELETE /api/controllers/:addr:
// GET fetches the single controller, POST adds/replaces it at the path
// address, DELETE removes it.
func (s *Server) handleControllerByAddr(w http.ResponseWriter, r *http.Request, _ common.Address) {
	addr := common.HexToAddress(r.URL.Path[len("/api/controllers/"):])
	if addr == (common.Address{}) {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, err := s.store.GetController(addr)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, c)

	case http.MethodPost:
		s.addController(w, r, addr)

	case http.MethodDelete:
		if _, err := s.store.RemoveController(addr); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleProvers implements GET/POST /api/provers: GET lists, POST installs
// (routed through Orchestrator so the image actually gets pulled).
func (s *Server) handleProvers(w http.ResponseWriter, r *http.Request, _ common.Address) {
	switch r.Method {
	case http.MethodGet:
		offset, limit := paginationParams(r)
		list, total, err := s.store.ListProvers(offset, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, listResponse[*types.Prover]{Items: list, Total: total})

	case http.MethodPost:
		var req struct {
			Address  common.Address `json:"address"`
			Tag      string         `json:"tag"`
			Name     string         `json:"name"`
			Overtime uint64         `json:"overtime"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		s.orch.Send(orchestrator.Command{PullProver: &orchestrator.PullProverCmd{
			Prover: req.Address, Tag: req.Tag, Name: req.Name, Overtime: req.Overtime,
		}})
		w.WriteHeader(http.StatusAccepted)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleProverByAddr implements GET/DELETE /api/provers/:addr: GET fetches
// the single prover record, DELETE uninstalls it (routed through
// Orchestrator so the image actually gets removed).
func (s *Server) handleProverByAddr(w http.ResponseWriter, r *http.Request, _ common.Address) {
	addr := common.HexToAddress(r.URL.Path[len("/api/provers/"):])
	if addr == (common.Address{}) {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.store.GetProver(addr)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		s.orch.Send(orchestrator.Command{RemoveProver: &orchestrator.RemoveProverCmd{Prover: addr}})
		w.WriteHeader(http.StatusAccepted)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTask implements GET /tasks/:id (raw input download, length-prefixed
// inputs||publics) and POST /tasks/:id (proof upload, length-prefixed
// publics||proof), the latter translated into an
// orchestrator.UploadProof command.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, _ common.Address) {
	jobKey := r.URL.Path[len("/tasks/"):]
	if jobKey == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		inputs, publics, err := s.readTaskInput(jobKey)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		buf := make([]byte, 4+len(inputs)+len(publics))
		binary.BigEndian.PutUint32(buf[:4], uint32(len(inputs)))
		copy(buf[4:], inputs)
		copy(buf[4+len(inputs):], publics)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(buf)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil || len(body) < 4 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed upload body"})
			return
		}
		n := binary.BigEndian.Uint32(body[:4])
		if uint32(len(body)-4) < n {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "length prefix exceeds body size"})
			return
		}
		publics := body[4 : 4+n]
		proof := body[4+n:]

		s.orch.Send(orchestrator.Command{UploadProof: &orchestrator.UploadProofCmd{
			JobKey: jobKey, Publics: publics, Proof: proof,
		}})
		w.WriteHeader(http.StatusAccepted)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleEvents streams Orchestrator's event feed as server-sent events,
// one JSON-encoded events.Event per message, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ common.Address) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// readTaskInput reads the job's input file directly, using the same
// length-prefixed layout Orchestrator's files.go writes: 4-byte big-endian
// inputs length, then inputs, then publics to EOF.
func (s *Server) readTaskInput(jobKey string) (inputs, publics []byte, err error) {
	path := filepath.Join(s.cfg.BasePath, jobKey, "input")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < 4 {
		return nil, nil, errShortInputFile
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < n {
		return nil, nil, errShortInputFile
	}
	return data[4 : 4+n], data[4+n:], nil
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func paginationParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return offset, limit
}

// Run starts the HTTP server and blocks until ListenAndServe fails; it takes
// no context and does not stop on its own.
func (s *Server) Run(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logx.WithComponent("api").Info().Str("addr", addr).Msg("admin http server starting")
	return server.ListenAndServe()
}
