package httpsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/event"
	"github.com/lcmota/fieldsync/internal/services/sync/masterdata"
	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

const maxBodyBytes = 16 << 20

// HubStore is the hub-side persistence the server needs.
type HubStore interface {
	ImportQuietly(ctx context.Context, rec storage.EventRecord) (bool, error)
	ListForReceiver(ctx context.Context, receiverID string, limit int) ([]storage.EventRecord, error)
	ConfirmReceived(ctx context.Context, receiverID string, ids []string) error
	RecordAck(ctx context.Context, ack storage.AckRecord) error
	ListAcksForSender(ctx context.Context, senderID string) ([]storage.AckRecord, error)
}

// Server is the hub's sync endpoint.
type Server struct {
	store      HubStore
	masterData *masterdata.Manager
	secret     []byte
	tracer     trace.Tracer
}

// NewServer creates the hub sync server. The secret verifies agent bearer
// tokens.
func NewServer(store HubStore, masterData *masterdata.Manager, secret []byte) *Server {
	return &Server{
		store:      store,
		masterData: masterData,
		secret:     secret,
		tracer:     otel.Tracer("fieldsync/httpsync"),
	}
}

// Handler returns the routed HTTP handler for the sync API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sync/push", s.withAgent(s.handlePush))
	mux.HandleFunc("POST /v1/sync/pull", s.withAgent(s.handlePull))
	mux.HandleFunc("POST /v1/sync/ack", s.withAgent(s.handleAck))
	mux.HandleFunc("POST /v1/sync/acks", s.withAgent(s.handleAcks))
	mux.HandleFunc("POST /v1/masterdata/pull", s.withAgent(s.handleMasterDataPull))
	mux.HandleFunc("POST /v1/masterdata/offset", s.withAgent(s.handleMasterDataOffset))
	return mux
}

type agentHandler func(w http.ResponseWriter, r *http.Request, agentID string)

// withAgent authenticates the request and resolves the calling agent.
func (s *Server) withAgent(next agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		agentID, err := verifyToken(s.secret, raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx, span := s.tracer.Start(r.Context(), "httpsync"+r.URL.Path)
		defer span.End()
		next(w, r.WithContext(ctx), agentID)
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, agentID string) {
	var req pushRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acked := make([]string, 0, len(req.Events))
	for _, evt := range req.Events {
		rec := fromWireEvent(evt)
		if strings.TrimSpace(rec.SenderID) == "" {
			rec.SenderID = agentID
		}
		// Durable arrival at the hub is web confirmation.
		rec.OnlineWebConfirmed = true
		rec.LocalReplayed = false
		if _, err := s.store.ImportQuietly(r.Context(), rec); err != nil {
			// A bad event is refused, not acked; the agent keeps it pending.
			log.Printf("httpsync: import event %s from %s: %v", rec.ID, agentID, err)
			continue
		}
		acked = append(acked, rec.ID)
	}
	writeResponse(w, pushResponse{AckedIDs: acked})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, agentID string) {
	var req pullRequest
	if !decodeBody(w, r, &req) {
		return
	}

	recs, err := s.store.ListForReceiver(r.Context(), agentID, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("list events for %s: %w", agentID, err))
		return
	}
	events := make([]wireEvent, 0, len(recs))
	for _, rec := range recs {
		events = append(events, toWireEvent(rec))
	}
	writeResponse(w, pullResponse{Events: events})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, agentID string) {
	var req ackRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.store.ConfirmReceived(r.Context(), agentID, req.EventIDs); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("confirm events for %s: %w", agentID, err))
		return
	}
	for _, id := range req.EventIDs {
		ack := storage.AckRecord{EventID: id, SendTo: agentID}
		if err := s.store.RecordAck(r.Context(), ack); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("record ack for %s: %w", id, err))
			return
		}
	}
	writeResponse(w, struct{}{})
}

func (s *Server) handleAcks(w http.ResponseWriter, r *http.Request, agentID string) {
	var req acksRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acks, err := s.store.ListAcksForSender(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("list acks for %s: %w", agentID, err))
		return
	}
	out := make([]wireAck, 0, len(acks))
	for _, ack := range acks {
		out = append(out, wireAck{EventID: ack.EventID, SendTo: ack.SendTo})
	}
	writeResponse(w, acksResponse{Acks: out})
}

func (s *Server) handleMasterDataPull(w http.ResponseWriter, r *http.Request, agentID string) {
	var req masterDataPullRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.masterData == nil {
		writeError(w, http.StatusNotImplemented, errors.New("master data is not served"))
		return
	}

	batch, err := s.masterData.FetchSince(r.Context(), agentID, req.Offset, req.HasOffset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("fetch master data for %s: %w", agentID, err))
		return
	}
	resp := masterDataPullResponse{NextOffset: batch.NextOffset}
	if batch.Snapshot != nil {
		snapshot := toWireMasterData(*batch.Snapshot)
		resp.Snapshot = &snapshot
	}
	resp.Records = make([]wireMasterData, 0, len(batch.Records))
	for _, rec := range batch.Records {
		resp.Records = append(resp.Records, toWireMasterData(rec))
	}
	writeResponse(w, resp)
}

func (s *Server) handleMasterDataOffset(w http.ResponseWriter, r *http.Request, agentID string) {
	var req masterDataOffsetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.masterData == nil {
		writeError(w, http.StatusNotImplemented, errors.New("master data is not served"))
		return
	}

	if err := s.masterData.CommitOffset(r.Context(), agentID, req.Offset); err != nil {
		if errors.Is(err, storage.ErrStaleOffset) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("commit offset for %s: %w", agentID, err))
		return
	}
	writeResponse(w, struct{}{})
}

type versioned interface {
	version() int
}

func (r pushRequest) version() int             { return r.ProtocolVersion }
func (r pullRequest) version() int             { return r.ProtocolVersion }
func (r ackRequest) version() int              { return r.ProtocolVersion }
func (r acksRequest) version() int             { return r.ProtocolVersion }
func (r masterDataPullRequest) version() int   { return r.ProtocolVersion }
func (r masterDataOffsetRequest) version() int { return r.ProtocolVersion }

func decodeBody(w http.ResponseWriter, r *http.Request, dst versioned) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	if err := msgpack.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	if dst.version() != event.ProtocolVersion {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("protocol version %d is not supported (want %d)", dst.version(), event.ProtocolVersion))
		return false
	}
	return true
}

func writeResponse(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", contentType)
	if err := msgpack.NewEncoder(w).Encode(body); err != nil {
		log.Printf("httpsync: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if encErr := msgpack.NewEncoder(w).Encode(errorResponse{Error: err.Error()}); encErr != nil {
		log.Printf("httpsync: encode error response: %v", encErr)
	}
}
