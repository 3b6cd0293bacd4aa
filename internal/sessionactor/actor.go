// Package sessionactor implements the session actor (C8): the
// per-connection state machine that owns a session's key store entry,
// vector store, and token-counter reference, and routes inference turns
// to the request router.
package sessionactor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fabstir/llm-node/internal/apperrors"
	"github.com/fabstir/llm-node/internal/chain"
	"github.com/fabstir/llm-node/internal/cryptocore"
	"github.com/fabstir/llm-node/internal/inference"
	"github.com/fabstir/llm-node/internal/logger"
	"github.com/fabstir/llm-node/internal/meter"
	"github.com/fabstir/llm-node/internal/metrics"
	"github.com/fabstir/llm-node/internal/router"
	"github.com/fabstir/llm-node/internal/sessionkeys"
	"github.com/fabstir/llm-node/internal/vectorstore"
)

// JobVerifier is the get_job half of the chain client, kept as an
// interface here so session init can be tested without an RPC endpoint.
type JobVerifier interface {
	GetJob(ctx context.Context, jobID uint64) (*chain.JobInfo, error)
}

// State is one of the four session lifecycle states (spec.md §4.8).
type State int

const (
	AwaitingInit State = iota
	Active
	Draining
	Closed
)

// Mode records which wire mode a session initialized in. Mixed-mode is
// forbidden: once set, it never changes for the life of the session.
type Mode int

const (
	ModeUnset Mode = iota
	ModePlaintext
	ModeEncrypted
)

// Sender writes a frame to the session's transport.
type Sender interface {
	Send(frame *Frame) error
}

// Deps are the process-wide collaborators a session actor is built
// against. All are constructed once at startup and passed explicitly
// (design note: no implicit ambient access).
type Deps struct {
	Router        *router.Router
	MeterRegistry *meter.Registry
	KeyStore      *sessionkeys.Store
	HostPrivKey   []byte // node's 32-byte secp256k1 private key
	HostAddrHex   string
	Chain         JobVerifier // nil for unmetered deployments; job checks are skipped
	Log           logger.Logger

	RAGEnabled           bool
	MaxVectorsPerSession int
	RequestTimeout       time.Duration
}

// Session is one connection's actor.
type Session struct {
	ID string

	mu    sync.Mutex
	state State
	mode  Mode

	key          [32]byte
	hasKey       bool
	nonces       *nonceManager
	vectors      *vectorstore.Store
	counter      *meter.Counter
	hasJob       bool
	jobID        uint64
	modelName    string
	clientAddr   [20]byte

	turnSeq uint32

	deps   Deps
	sender Sender
	wg     sync.WaitGroup // tracks in-flight turns for Drain
}

// New creates a session actor in AwaitingInit, identified by a fresh
// SessionId.
func New(deps Deps, sender Sender) *Session {
	return &Session{
		ID:     uuid.NewString(),
		state:  AwaitingInit,
		nonces: newNonceManager(10 * time.Minute),
		deps:   deps,
		sender: sender,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleFrame dispatches one inbound wire frame. It never returns an
// error for turn-scoped failures (those become a plaintext error frame,
// on encrypted sessions too); it returns an error only when the connection itself
// must be closed (init failure, replay, transport-level decode failure).
func (s *Session) HandleFrame(ctx context.Context, raw []byte) error {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.HandleFrame", err)
	}

	state := s.State()

	switch f.Type {
	case FrameEncryptedSessionInit:
		if state != AwaitingInit {
			return apperrors.New(apperrors.Validation, "sessionactor.HandleFrame", "session_init received after init")
		}
		return s.handleEncryptedInit(ctx, f.Payload)
	case FrameSessionInit:
		if state != AwaitingInit {
			return apperrors.New(apperrors.Validation, "sessionactor.HandleFrame", "session_init received after init")
		}
		return s.handlePlaintextInit(ctx, f.Payload)
	}

	if state != Active {
		return apperrors.New(apperrors.Validation, "sessionactor.HandleFrame", "turn frame received outside Active state")
	}

	switch f.Type {
	case FrameEncryptedMessage:
		return s.handleEncryptedTurn(ctx, f.Payload)
	case FramePrompt:
		return s.handlePlaintextTurn(ctx, f.Payload)
	case FrameUploadVectors:
		return s.handleUploadVectors(f.Payload)
	case FrameSearchVectors:
		return s.handleSearchVectors(f.Payload)
	default:
		s.sendError(apperrors.Validation, "unknown frame type: "+f.Type)
		return nil
	}
}

// verifyJobAssignment implements spec.md §6.2's get_job check: on a
// metered session init, the node must confirm it is the job's assigned
// host and that the job is still active before it starts serving turns
// against that job's counter. A zero jobID or an unconfigured chain
// client (unmetered deployment) skips the check entirely.
func (s *Session) verifyJobAssignment(ctx context.Context, jobID uint64) error {
	if jobID == 0 || s.deps.Chain == nil {
		return nil
	}
	job, err := s.deps.Chain.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(job.Host.Hex()[2:], s.deps.HostAddrHex) {
		return apperrors.New(apperrors.AuthFailure, "sessionactor.init", "node is not the assigned host for job")
	}
	if job.State != chain.JobStateActive {
		return apperrors.New(apperrors.Validation, "sessionactor.init", "job is not active")
	}
	return nil
}

func (s *Session) handleEncryptedInit(ctx context.Context, raw json.RawMessage) error {
	var p EncryptedSessionInitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.init", err)
	}

	ephPub, err := hex.DecodeString(p.EphPubHex)
	if err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.init", err)
	}
	nonce, err := hex.DecodeString(p.NonceHex)
	if err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.init", err)
	}
	ciphertext, err := hex.DecodeString(p.CiphertextHex)
	if err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.init", err)
	}
	sig, err := hex.DecodeString(p.SignatureHex)
	if err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.init", err)
	}
	var aad []byte
	if p.AADHex != "" {
		if aad, err = hex.DecodeString(p.AADHex); err != nil {
			return apperrors.Wrap(apperrors.Validation, "sessionactor.init", err)
		}
	}

	sharedKey, err := cryptocore.DeriveSharedKey(s.deps.HostPrivKey, ephPub)
	if err != nil {
		return apperrors.Wrap(apperrors.AuthFailure, "sessionactor.init", err)
	}

	plaintext, err := cryptocore.Decrypt(sharedKey, nonce, aad, ciphertext)
	if err != nil {
		return apperrors.Wrap(apperrors.AuthFailure, "sessionactor.init", err)
	}

	msgHash := cryptocore.Keccak256(ciphertext)
	clientAddr, err := cryptocore.RecoverAddress(sig, msgHash)
	if err != nil {
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return apperrors.Wrap(apperrors.AuthFailure, "sessionactor.init", err)
	}

	var init SessionInitPlaintext
	if err := json.Unmarshal(plaintext, &init); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.init", err)
	}

	sessionKeyBytes, err := hex.DecodeString(init.SessionKeyHex)
	if err != nil || len(sessionKeyBytes) != 32 {
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return apperrors.New(apperrors.Validation, "sessionactor.init", "sessionKeyHex must be 32 bytes")
	}

	if err := s.verifyJobAssignment(ctx, init.JobID); err != nil {
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return err
	}

	s.mu.Lock()
	s.mode = ModeEncrypted
	copy(s.key[:], sessionKeyBytes)
	s.hasKey = true
	s.clientAddr = clientAddr
	s.modelName = init.ModelName
	s.vectors = vectorstore.New(s.deps.MaxVectorsPerSession)
	if init.JobID != 0 {
		s.hasJob = true
		s.jobID = init.JobID
		s.counter = s.deps.MeterRegistry.Acquire(init.JobID)
	}
	s.state = Active
	s.mu.Unlock()

	s.deps.KeyStore.Put(s.ID, s.key)

	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.SessionsCreated.WithLabelValues("encrypted").Inc()
	metrics.SessionsActive.Inc()

	return s.sendPlaintext(FrameSessionInitAck, SessionInitAck{SessionID: s.ID})
}

func (s *Session) handlePlaintextInit(ctx context.Context, raw json.RawMessage) error {
	var init SessionInitPlaintext
	if err := json.Unmarshal(raw, &init); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.init", err)
	}

	if err := s.verifyJobAssignment(ctx, init.JobID); err != nil {
		return err
	}

	s.mu.Lock()
	s.mode = ModePlaintext
	s.modelName = init.ModelName
	s.vectors = vectorstore.New(s.deps.MaxVectorsPerSession)
	if init.JobID != 0 {
		s.hasJob = true
		s.jobID = init.JobID
		s.counter = s.deps.MeterRegistry.Acquire(init.JobID)
	}
	s.state = Active
	s.mu.Unlock()

	metrics.SessionsCreated.WithLabelValues("plaintext").Inc()
	metrics.SessionsActive.Inc()

	return s.sendPlaintext(FrameSessionInitAck, SessionInitAck{SessionID: s.ID})
}

func (s *Session) handleEncryptedTurn(ctx context.Context, raw json.RawMessage) error {
	s.mu.Lock()
	if s.mode != ModeEncrypted {
		s.mu.Unlock()
		return apperrors.New(apperrors.Validation, "sessionactor.turn", "mixed-mode frame on a plaintext session")
	}
	key := s.key
	s.mu.Unlock()

	var p EncryptedMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.turn", err)
	}

	if !s.nonces.CheckAndMark(p.NonceHex) {
		metrics.NonceReplaysRejected.Inc()
		return apperrors.New(apperrors.AuthFailure, "sessionactor.turn", "nonce replay detected")
	}

	nonce, err := hex.DecodeString(p.NonceHex)
	if err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.turn", err)
	}
	ciphertext, err := hex.DecodeString(p.CiphertextHex)
	if err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.turn", err)
	}
	var aad []byte
	if p.AADHex != "" {
		if aad, err = hex.DecodeString(p.AADHex); err != nil {
			return apperrors.Wrap(apperrors.Validation, "sessionactor.turn", err)
		}
	}

	plaintext, err := cryptocore.Decrypt(key[:], nonce, aad, ciphertext)
	if err != nil {
		return apperrors.Wrap(apperrors.AuthFailure, "sessionactor.turn", err)
	}

	var turn TurnPlaintext
	if err := json.Unmarshal(plaintext, &turn); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.turn", err)
	}

	s.runTurn(ctx, turn, true)
	return nil
}

func (s *Session) handlePlaintextTurn(ctx context.Context, raw json.RawMessage) error {
	s.mu.Lock()
	if s.mode != ModePlaintext {
		s.mu.Unlock()
		return apperrors.New(apperrors.Validation, "sessionactor.turn", "mixed-mode frame on an encrypted session")
	}
	s.mu.Unlock()

	var turn TurnPlaintext
	if err := json.Unmarshal(raw, &turn); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.turn", err)
	}
	s.runTurn(ctx, turn, false)
	return nil
}

// runTurn drives the router for one turn and streams/collects the
// result, per §4.8 step 3. Errors internal to a turn terminate that
// turn's stream with an error frame; the session itself stays alive.
func (s *Session) runTurn(ctx context.Context, turn TurnPlaintext, encrypted bool) {
	s.wg.Add(1)
	defer s.wg.Done()

	turnStart := time.Now()
	defer func() {
		metrics.TurnDuration.WithLabelValues(s.modelName).Observe(time.Since(turnStart).Seconds())
	}()

	turnID := uuid.NewString()
	var seq uint32

	timeout := s.deps.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sink := &turnSink{
		session: s,
		turnID:  turnID,
		seq:     &seq,
		encrypted: encrypted,
	}

	req := router.Request{
		ModelName: s.modelName,
		SessionID: s.ID,
		Prompt:    turn.Prompt,
		Params: inference.Params{
			MaxTokens:   turn.MaxTokens,
			Temperature: turn.Temperature,
		},
	}

	err := s.deps.Router.Route(turnCtx, req, sink)
	if err != nil {
		s.sendError(apperrors.KindOf(err), err.Error())
		return
	}

	finishReason := "complete"
	if len(sink.tokens) > 0 {
		finishReason = string(sink.tokens[len(sink.tokens)-1].FinishReason)
	}

	resp := ResponsePlaintext{
		Content:      sink.text,
		TokensUsed:   sink.total,
		FinishReason: finishReason,
		RequestID:    turnID,
	}

	if encrypted {
		s.sendEncrypted(FrameEncryptedResponse, resp, turnID, seq)
	} else {
		s.sendPlaintext(FrameResponse, resp)
	}
}

// turnSink adapts one turn's router.Sink to the wire: it encrypts (or
// passes through, for plaintext sessions) each token and forwards the
// counted-tokens hook to C7.
type turnSink struct {
	session   *Session
	turnID    string
	seq       *uint32
	encrypted bool

	text  string
	total uint64

	tokens []inference.Token
}

func (t *turnSink) Token(tok inference.Token) error {
	t.tokens = append(t.tokens, tok)
	t.text += tok.Text
	t.total = tok.CumulativeTokens

	idx := atomic.AddUint32(t.seq, 1) - 1

	if t.encrypted {
		t.session.sendEncrypted(FrameEncryptedChunk, ChunkPlaintext{Token: tok.Text}, t.turnID, idx)
	} else {
		// Legacy plaintext streaming is out of scope for this wire
		// version; plaintext turns collect and reply once.
	}
	return nil
}

func (t *turnSink) Counted(n uint64) {
	s := t.session
	s.mu.Lock()
	counter := s.counter
	hasJob := s.hasJob
	hostAddr := s.deps.HostAddrHex
	s.mu.Unlock()
	if hasJob && counter != nil {
		s.deps.MeterRegistry.RecordTokens(context.Background(), counter, n, hostAddr)
	}
}

// toFixedVector enforces §4.6's fixed dimension at the wire boundary.
// Decoding straight into a [vectorstore.Dimensions]float32 would let
// encoding/json silently zero-pad or truncate a wrong-length array
// instead of rejecting it, so the wire payload carries a slice here.
func toFixedVector(v []float32) ([vectorstore.Dimensions]float32, error) {
	var out [vectorstore.Dimensions]float32
	if len(v) != vectorstore.Dimensions {
		return out, apperrors.New(apperrors.Validation, "sessionactor.vector",
			fmt.Sprintf("vector must have exactly %d dimensions, got %d", vectorstore.Dimensions, len(v)))
	}
	copy(out[:], v)
	return out, nil
}

func (s *Session) handleUploadVectors(raw json.RawMessage) error {
	if !s.deps.RAGEnabled {
		s.sendError(apperrors.Validation, "RAG is not enabled")
		return nil
	}
	var p UploadVectorsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.uploadVectors", err)
	}

	entries := make([]vectorstore.Entry, len(p.Vectors))
	for i, v := range p.Vectors {
		vec, err := toFixedVector(v.Vector)
		if err != nil {
			s.sendError(apperrors.KindOf(err), err.Error())
			return nil
		}
		entries[i] = vectorstore.Entry{ID: v.ID, Vector: vec, Metadata: v.Metadata}
	}

	s.mu.Lock()
	vs := s.vectors
	s.mu.Unlock()

	if err := vs.AddBatch(entries, p.Replace); err != nil {
		s.sendError(apperrors.KindOf(err), err.Error())
		return nil
	}
	return s.sendPlaintext("upload_vectors_ack", map[string]any{"count": vs.Count()})
}

func (s *Session) handleSearchVectors(raw json.RawMessage) error {
	if !s.deps.RAGEnabled {
		s.sendError(apperrors.Validation, "RAG is not enabled")
		return nil
	}
	var p SearchVectorsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.Wrap(apperrors.Validation, "sessionactor.searchVectors", err)
	}

	queryVec, err := toFixedVector(p.QueryVector)
	if err != nil {
		s.sendError(apperrors.KindOf(err), err.Error())
		return nil
	}

	s.mu.Lock()
	vs := s.vectors
	s.mu.Unlock()

	var filter vectorstore.MetadataFilter
	if len(p.MetadataFilter) > 0 {
		filter = func(md map[string]any) bool {
			for k, v := range p.MetadataFilter {
				if md[k] != v {
					return false
				}
			}
			return true
		}
	}

	results, elapsed, err := vs.Search(queryVec, p.K, p.Threshold, filter)
	if err != nil {
		s.sendError(apperrors.KindOf(err), err.Error())
		return nil
	}

	hits := make([]VectorHit, len(results))
	for i, r := range results {
		hits[i] = VectorHit{ID: r.ID, Score: r.Score, Metadata: r.Metadata}
	}

	return s.sendPlaintext(FrameSearchVectorsResult, SearchVectorsResult{
		Results:      hits,
		SearchTimeMs: float64(elapsed.Microseconds()) / 1000.0,
	})
}

// Drain transitions to Draining, waits (up to timeout) for in-flight
// turns to finish, then transitions to Closed and purges all session
// state. Matches §4.8's Draining -> Closed transition.
func (s *Session) Drain(timeout time.Duration) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Draining
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}

	s.close()
}

func (s *Session) close() {
	s.mu.Lock()
	wasActive := s.mode != ModeUnset
	s.state = Closed
	hasJob := s.hasJob
	jobID := s.jobID
	vectors := s.vectors
	for i := range s.key {
		s.key[i] = 0
	}
	s.hasKey = false
	s.mu.Unlock()

	if vectors != nil {
		vectors.Clear()
	}
	s.deps.KeyStore.Remove(s.ID)
	s.deps.Router.ForgetSession(s.ID)
	if hasJob {
		s.deps.MeterRegistry.Release(jobID)
	}

	if wasActive {
		metrics.SessionsActive.Dec()
		metrics.SessionsClosed.WithLabelValues("drained").Inc()
	}
}

func (s *Session) sendPlaintext(frameType string, payload any) error {
	f, err := encodeFrame(frameType, payload)
	if err != nil {
		return err
	}
	return s.sender.Send(f)
}

// sendEncrypted AEAD-encrypts payload under the session key and emits
// it as frameType, binding (session_id, turn_id, index) as AAD so a
// chunk cannot be replayed into a different turn or position.
func (s *Session) sendEncrypted(frameType string, payload any, turnID string, index uint32) {
	s.mu.Lock()
	key := s.key
	hasKey := s.hasKey
	s.mu.Unlock()
	if !hasKey {
		return
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return
	}
	nonce, err := cryptocore.NewNonce()
	if err != nil {
		return
	}
	aad := []byte(fmt.Sprintf("%s:%s:%d", s.ID, turnID, index))
	ciphertext, err := cryptocore.Encrypt(key[:], nonce, aad, plaintext)
	if err != nil {
		return
	}

	var frame *Frame
	switch frameType {
	case FrameEncryptedResponse:
		frame, err = encodeFrame(FrameEncryptedResponse, EncryptedResponsePayload{
			NonceHex:      hex.EncodeToString(nonce),
			CiphertextHex: hex.EncodeToString(ciphertext),
			AADHex:        hex.EncodeToString(aad),
		})
	default:
		frame, err = encodeFrame(FrameEncryptedChunk, EncryptedChunkPayload{
			Index:         index,
			NonceHex:      hex.EncodeToString(nonce),
			CiphertextHex: hex.EncodeToString(ciphertext),
			AADHex:        hex.EncodeToString(aad),
		})
	}
	if err != nil {
		return
	}
	_ = s.sender.Send(frame)
}

func (s *Session) sendError(kind apperrors.Kind, msg string) {
	_ = s.sendPlaintext(FrameError, ErrorPayload{Kind: string(kind), Message: msg})
}
