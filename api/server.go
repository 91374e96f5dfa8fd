package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerman17/midnight-indexer/pubsub"
	"github.com/containerman17/midnight-indexer/storage"
	"github.com/gorilla/websocket"

	"github.com/containerman17/midnight-indexer/ledger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP/WebSocket read model.
type Server struct {
	store      storage.Storage
	bus        *pubsub.Bus
	sessions   *Sessions
	networkID  string
	httpServer *http.Server
}

func NewServer(store storage.Storage, bus *pubsub.Bus, networkID string) *Server {
	return &Server{
		store:     store,
		bus:       bus,
		sessions:  NewSessions(networkID),
		networkID: networkID,
	}
}

func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /block", s.handleBlock)
	mux.HandleFunc("GET /transactions", s.handleTransactions)
	mux.HandleFunc("GET /contractAction", s.handleContractAction)
	mux.HandleFunc("GET /dustGenerationStatus", s.handleDustGenerationStatus)
	mux.HandleFunc("GET /dParameterHistory", s.handleDParameterHistory)
	mux.HandleFunc("GET /termsAndConditionsHistory", s.handleTermsAndConditionsHistory)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[server] listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[server] HTTP server error: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		writeJSON(w, http.StatusBadRequest, errorDTO{Type: "error", Kind: "client", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorDTO{Type: "error", Kind: "server", Message: err.Error()})
}

func hexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	block, err := s.store.GetLatestBlock(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	info := map[string]any{"network": s.networkID}
	if block != nil {
		info["highestBlock"] = block.Height
		info["highestBlockHash"] = block.Hash.String()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var (
		block *storage.Block
		err   error
	)
	switch {
	case r.URL.Query().Get("hash") != "":
		var hash ledger.Bytes32
		hash, err = ledger.Bytes32FromHex(r.URL.Query().Get("hash"))
		if err != nil {
			writeError(w, clientErrorf("invalid block hash: %v", err))
			return
		}
		block, err = s.store.GetBlockByHash(r.Context(), hash)
	case r.URL.Query().Get("height") != "":
		var height uint64
		height, err = strconv.ParseUint(r.URL.Query().Get("height"), 10, 32)
		if err != nil {
			writeError(w, clientErrorf("invalid block height: %v", err))
			return
		}
		block, err = s.store.GetBlockByHeight(r.Context(), uint32(height))
	default:
		block, err = s.store.GetLatestBlock(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if block == nil {
		writeError(w, clientErrorf("block not found"))
		return
	}
	writeJSON(w, http.StatusOK, makeBlockDTO(block))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	hash, err := ledger.Bytes32FromHex(r.URL.Query().Get("hash"))
	if err != nil {
		writeError(w, clientErrorf("invalid transaction hash: %v", err))
		return
	}
	// Hashes are not unique: failed transactions may reuse a hash, so this
	// always returns a list.
	rows, err := s.store.GetTransactionsByHash(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]transactionDTO, 0, len(rows))
	for i := range rows {
		dtos = append(dtos, makeTransactionDTO(&rows[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleContractAction(w http.ResponseWriter, r *http.Request) {
	address, err := ledger.Bytes32FromHex(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, clientErrorf("invalid contract address: %v", err))
		return
	}
	action, err := s.store.GetLatestContractAction(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	if action == nil {
		writeError(w, clientErrorf("contract action not found"))
		return
	}
	writeJSON(w, http.StatusOK, makeContractActionDTO(action))
}

func (s *Server) handleDustGenerationStatus(w http.ResponseWriter, r *http.Request) {
	addressesParam := r.URL.Query().Get("cardanoAddresses")
	if addressesParam == "" {
		writeError(w, clientErrorf("cardanoAddresses is required"))
		return
	}
	var addresses [][]byte
	for _, a := range strings.Split(addressesParam, ",") {
		decoded, err := hex.DecodeString(strings.TrimSpace(a))
		if err != nil {
			writeError(w, clientErrorf("invalid cardano address %q: %v", a, err))
			return
		}
		addresses = append(addresses, decoded)
	}

	registrations, err := s.store.GetRegistrationsByCardanoAddresses(r.Context(), addresses)
	if err != nil {
		writeError(w, err)
		return
	}

	type status struct {
		CardanoAddress string              `json:"cardanoAddress"`
		Registered     bool                `json:"registered"`
		DustAddress    *ledger.Bytes32     `json:"dustAddress,omitempty"`
		Generations    []dustGenerationDTO `json:"generations,omitempty"`
	}
	statuses := make([]status, 0, len(addresses))
	for _, address := range addresses {
		st := status{CardanoAddress: hexString(address)}
		for i := range registrations {
			reg := &registrations[i]
			if string(reg.CardanoAddress) != string(address) || !reg.IsValid {
				continue
			}
			st.Registered = true
			dust := reg.DustAddress
			st.DustAddress = &dust
			generations, err := s.store.GetDustGenerationsByOwner(r.Context(), dust)
			if err != nil {
				writeError(w, err)
				return
			}
			for j := range generations {
				st.Generations = append(st.Generations, makeDustGenerationDTO(&generations[j]))
			}
		}
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleDParameterHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, s.store.GetDParameterHistory)
}

func (s *Server) handleTermsAndConditionsHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, s.store.GetTermsAndConditionsHistory)
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, get func(context.Context) ([]storage.SystemParametersChange, error)) {
	changes, err := get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type change struct {
		BlockHeight        uint32                      `json:"blockHeight"`
		BlockHash          ledger.Bytes32              `json:"blockHash"`
		Timestamp          uint64                      `json:"timestamp"`
		DParameter         *storage.DParameter         `json:"dParameter,omitempty"`
		TermsAndConditions *storage.TermsAndConditions `json:"termsAndConditions,omitempty"`
	}
	out := make([]change, 0, len(changes))
	for _, c := range changes {
		out = append(out, change{
			BlockHeight:        c.BlockHeight,
			BlockHash:          c.BlockHash,
			Timestamp:          c.TimestampMs,
			DParameter:         c.DParameter,
			TermsAndConditions: c.TermsAndConditions,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ViewingKey string `json:"viewingKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clientErrorf("invalid request body: %v", err))
		return
	}
	sessionID, err := s.sessions.Connect(req.ViewingKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clientErrorf("invalid request body: %v", err))
		return
	}
	if err := s.sessions.Disconnect(req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

// handleWS upgrades to WebSocket and runs one subscription until the client
// disconnects or the stream completes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only serve to detect disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// The data-batch and progress sub-streams write concurrently; gorilla
	// allows at most one writer per connection.
	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	err = s.runSubscription(ctx, r, send)
	if err != nil && ctx.Err() == nil {
		kind := "server"
		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			kind = "client"
		}
		_ = send(errorDTO{Type: "error", Kind: kind, Message: err.Error()})
		log.Printf("[server] subscription ended: %v", err)
	}
}

func (s *Server) runSubscription(ctx context.Context, r *http.Request, send sendFunc) error {
	query := r.URL.Query()
	switch query.Get("type") {
	case "blocks":
		return s.subscribeBlocks(ctx, query, send)
	case "contractActions":
		return s.subscribeContractActions(ctx, query, send)
	case "shieldedTransactions":
		return s.subscribeShieldedTransactions(ctx, query, send)
	case "unshieldedTransactions":
		return s.subscribeUnshieldedTransactions(ctx, query, send)
	case "ledgerEvents":
		return s.subscribeLedgerEvents(ctx, query, send)
	case "dustGenerations":
		return s.subscribeDustGenerations(ctx, query, send)
	case "dustCommitments":
		return s.subscribeDustCommitments(ctx, query, send)
	case "dustNullifierTransactions":
		return s.subscribeDustNullifierTransactions(ctx, query, send)
	case "dustRegistrations":
		return s.subscribeDustRegistrations(ctx, query, send)
	default:
		return clientErrorf("unknown subscription type %q", query.Get("type"))
	}
}

func parseUintParam(query map[string][]string, name string, def uint64) (uint64, error) {
	values := query[name]
	if len(values) == 0 || values[0] == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(values[0], 10, 64)
	if err != nil {
		return 0, clientErrorf("invalid %s: %v", name, err)
	}
	return v, nil
}

func parsePrefixes(param string) ([][]byte, error) {
	if param == "" {
		return nil, clientErrorf("prefixes are required")
	}
	var prefixes [][]byte
	for _, p := range strings.Split(param, ",") {
		p = strings.TrimSpace(p)
		if len(p)%2 != 0 {
			// Hex prefixes are matched bytewise; trim a trailing nibble.
			p = p[:len(p)-1]
		}
		decoded, err := hex.DecodeString(p)
		if err != nil {
			return nil, clientErrorf("invalid prefix %q: %v", p, err)
		}
		prefixes = append(prefixes, decoded)
	}
	return prefixes, nil
}
