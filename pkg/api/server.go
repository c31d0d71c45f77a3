package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/dryrun"
	"github.com/uhyunpark/shardbft/pkg/epoch"
	"github.com/uhyunpark/shardbft/pkg/mempool"
	"github.com/uhyunpark/shardbft/pkg/node"
	"github.com/uhyunpark/shardbft/pkg/transaction"
	"github.com/uhyunpark/shardbft/pkg/util"
)

const maxBodyBytes = 1 << 20

// Epochs is what the API reads from the epoch manager.
type Epochs[A consensus.NodeAddressable] interface {
	CurrentEpoch() consensus.Epoch
	CurrentBlockHeight() uint64
	CurrentShardKey() (consensus.ShardId, bool)
	RemainingRegistrationEpochs(ctx context.Context) (consensus.Epoch, bool, error)
	GetCommitteeVnsFromShardKey(e consensus.Epoch, shard consensus.ShardId) ([]consensus.ValidatorNode[A], error)
	GetCommittees(e consensus.Epoch, shards []consensus.ShardId) ([]epoch.ShardCommittee[A], error)
}

type Submitter interface {
	Submit(p transaction.Payload) (consensus.PayloadId, error)
	Len() int
}

type DryRunner interface {
	ProcessTransaction(ctx context.Context, p transaction.Payload) (consensus.FinalizeResult, error)
}

type ResultWaiter interface {
	WaitForResult(ctx context.Context, id consensus.PayloadId, timeout time.Duration) (consensus.FinalizeResult, error)
}

// Server handles REST API and WebSocket connections
type Server[A consensus.NodeAddressable] struct {
	Identity A
	Epochs   Epochs[A]
	Mempool  Submitter
	DryRun   DryRunner
	Results  ResultWaiter
	// Events feeds the WebSocket stream.
	Events      *consensus.EventBus
	EpochEvents *epoch.Bus
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// ResultTimeout bounds result waits that pass no timeout. Zero waits
	// until the client goes away.
	ResultTimeout  time.Duration
	AllowedOrigins []string

	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer[A consensus.NodeAddressable](identity A, epochs Epochs[A], pool Submitter, dry DryRunner, results ResultWaiter, logger *zap.SugaredLogger) *Server[A] {
	s := &Server[A]{
		Identity:       identity,
		Epochs:         epochs,
		Mempool:        pool,
		DryRun:         dry,
		Results:        results,
		AllowedOrigins: []string{"*"},
		router:         mux.NewRouter(),
		hub:            NewHub(logger),
		log:            util.OrNop(logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server[A]) setupRoutes() {
	s.router.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	s.router.HandleFunc("/committees/{epoch}", s.handleGetCommittees).Methods("GET")
	s.router.HandleFunc("/committees/{epoch}/{shard}", s.handleGetCommittee).Methods("GET")

	s.router.HandleFunc("/transactions", s.handleSubmitTransaction).Methods("POST")
	s.router.HandleFunc("/transactions/dry-run", s.handleDryRun).Methods("POST")
	s.router.HandleFunc("/transactions/{id}/result", s.handleGetResult).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in CORS.
func (s *Server[A]) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled.
func (s *Server[A]) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server[A]) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go s.streamEvents(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Infow("api_server_started", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// streamEvents forwards consensus and epoch events to WebSocket clients.
func (s *Server[A]) streamEvents(ctx context.Context) {
	var (
		finalized <-chan consensus.HotStuffEvent
		epochs    <-chan epoch.Event
	)
	if s.Events != nil {
		ch, cancel := s.Events.Subscribe(256)
		defer cancel()
		finalized = ch
	}
	if s.EpochEvents != nil {
		ch, cancel := s.EpochEvents.Subscribe(16)
		defer cancel()
		epochs = ch
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-finalized:
			if !ok {
				finalized = nil
				continue
			}
			if ev.Type != consensus.EventOnFinalized {
				continue
			}
			s.hub.BroadcastToChannel(FinalizedUpdate{
				Type:      channelFinalized,
				PayloadId: ev.PayloadId,
				Shard:     ev.Shard,
				Height:    ev.Height,
				Result:    resultResponse(ev.Result, false),
			}, channelFinalized, channelPayload+ev.PayloadId.String())
		case ev, ok := <-epochs:
			if !ok {
				epochs = nil
				continue
			}
			s.hub.BroadcastToChannel(EpochUpdate{Type: channelEpoch, Epoch: ev.Epoch}, channelEpoch)
		}
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server[A]) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := NodeStatus{Identity: s.Identity.String()}
	if s.Epochs != nil {
		status.Epoch = s.Epochs.CurrentEpoch()
		status.BaseLayerHeight = s.Epochs.CurrentBlockHeight()
		if key, ok := s.Epochs.CurrentShardKey(); ok {
			status.ShardKey = &key
		}
		left, ok, err := s.Epochs.RemainingRegistrationEpochs(r.Context())
		if err != nil {
			s.log.Debugw("registration_epochs_unknown", "err", err)
		} else if ok {
			status.RegistrationEpochsLeft = &left
		}
	}
	if s.Mempool != nil {
		status.MempoolSize = s.Mempool.Len()
	}
	respondJSON(w, status)
}

func (s *Server[A]) handleGetCommittee(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	e, err := strconv.ParseUint(vars["epoch"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid epoch", err.Error())
		return
	}
	var shard consensus.ShardId
	if err := shard.UnmarshalText([]byte(vars["shard"])); err != nil {
		respondError(w, http.StatusBadRequest, "invalid shard", err.Error())
		return
	}

	vns, err := s.Epochs.GetCommitteeVnsFromShardKey(consensus.Epoch(e), shard)
	switch {
	case epoch.IsRetryable(err):
		respondError(w, http.StatusServiceUnavailable, "epoch manager not synced", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "committee lookup failed", err.Error())
		return
	}

	members := make([]CommitteeMember, 0, len(vns))
	addrs := make([]A, 0, len(vns))
	for _, vn := range vns {
		members = append(members, CommitteeMember{PublicKey: vn.PublicKey.String(), ShardKey: vn.ShardKey, Epoch: vn.Epoch})
		addrs = append(addrs, vn.PublicKey)
	}
	respondJSON(w, CommitteeResponse{
		Epoch:   consensus.Epoch(e),
		Shard:   shard,
		Members: members,
		Quorum:  consensus.NewCommittee(addrs).QuorumThreshold(),
	})
}

// handleGetCommittees answers one committee per repeated ?shard= parameter.
func (s *Server[A]) handleGetCommittees(w http.ResponseWriter, r *http.Request) {
	e, err := strconv.ParseUint(mux.Vars(r)["epoch"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid epoch", err.Error())
		return
	}
	params := r.URL.Query()["shard"]
	if len(params) == 0 {
		respondError(w, http.StatusBadRequest, "invalid shard", "at least one shard parameter is required")
		return
	}
	shards := make([]consensus.ShardId, 0, len(params))
	for _, param := range params {
		raw, err := hexutil.Decode(param)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid shard", err.Error())
			return
		}
		shard, err := consensus.ShardIdFromBytes(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid shard", err.Error())
			return
		}
		shards = append(shards, shard)
	}

	committees, err := s.Epochs.GetCommittees(consensus.Epoch(e), shards)
	switch {
	case epoch.IsRetryable(err):
		respondError(w, http.StatusServiceUnavailable, "epoch manager not synced", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "committee lookup failed", err.Error())
		return
	}

	resp := CommitteesResponse{Epoch: consensus.Epoch(e), Committees: make([]ShardCommitteeResponse, 0, len(committees))}
	for _, sc := range committees {
		members := make([]string, len(sc.Committee.Members))
		for i, m := range sc.Committee.Members {
			members[i] = m.String()
		}
		resp.Committees = append(resp.Committees, ShardCommitteeResponse{
			Shard:   sc.Shard,
			Members: members,
			Quorum:  sc.Committee.QuorumThreshold(),
		})
	}
	respondJSON(w, resp)
}

func (s *Server[A]) readTransaction(w http.ResponseWriter, r *http.Request) (transaction.Payload, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return transaction.Payload{}, false
	}
	tx, err := transaction.ParseTransaction(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
		return transaction.Payload{}, false
	}
	return transaction.NewPayload(*tx), true
}

func (s *Server[A]) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	p, ok := s.readTransaction(w, r)
	if !ok {
		return
	}
	id, err := s.Mempool.Submit(p)
	switch {
	case errors.Is(err, mempool.ErrMaxOutputsExceeded):
		respondError(w, http.StatusUnprocessableEntity, "too many outputs", err.Error())
		return
	case errors.Is(err, mempool.ErrAlreadyPending):
		respondError(w, http.StatusConflict, "already pending", err.Error())
		return
	case errors.Is(err, mempool.ErrPoolFull):
		respondError(w, http.StatusServiceUnavailable, "mempool full", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "submit failed", err.Error())
		return
	}

	s.log.Infow("transaction_submitted", "payload", id, "sender", p.Sender.Hex(), "shards", len(p.InvolvedShards()))
	respondJSONStatus(w, http.StatusAccepted, SubmitTransactionResponse{Status: "submitted", PayloadId: id})
}

func (s *Server[A]) handleDryRun(w http.ResponseWriter, r *http.Request) {
	p, ok := s.readTransaction(w, r)
	if !ok {
		return
	}
	result, err := s.DryRun.ProcessTransaction(r.Context(), p)
	var notFound *dryrun.SubstateNotFoundError
	switch {
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, "substate not found", err.Error())
		return
	case epoch.IsRetryable(err):
		respondError(w, http.StatusServiceUnavailable, "epoch manager not synced", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "dry run failed", err.Error())
		return
	}
	respondJSON(w, resultResponse(result, true))
}

func (s *Server[A]) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := consensus.PayloadIdFromHex(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload id", err.Error())
		return
	}
	timeout := s.ResultTimeout
	if q := r.URL.Query().Get("timeout"); q != "" {
		if timeout, err = time.ParseDuration(q); err != nil {
			respondError(w, http.StatusBadRequest, "invalid timeout", err.Error())
			return
		}
	}

	result, err := s.Results.WaitForResult(r.Context(), id, timeout)
	switch {
	case errors.Is(err, node.ErrTimedOut):
		respondError(w, http.StatusAccepted, "pending", "no result yet")
		return
	case err != nil:
		respondError(w, http.StatusServiceUnavailable, "wait aborted", err.Error())
		return
	}
	respondJSON(w, resultResponse(result, false))
}

func (s *Server[A]) handleMetrics(w http.ResponseWriter, r *http.Request) {
	g := s.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server[A]) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
