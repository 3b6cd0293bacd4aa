package sessionactor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fabstir/llm-node/internal/chain"
	"github.com/fabstir/llm-node/internal/cryptocore"
	"github.com/fabstir/llm-node/internal/inference"
	"github.com/fabstir/llm-node/internal/logger"
	"github.com/fabstir/llm-node/internal/meter"
	"github.com/fabstir/llm-node/internal/modelregistry"
	"github.com/fabstir/llm-node/internal/router"
	"github.com/fabstir/llm-node/internal/sessionkeys"
)

type fakeJobVerifier struct {
	job *chain.JobInfo
	err error
}

func (f *fakeJobVerifier) GetJob(ctx context.Context, jobID uint64) (*chain.JobInfo, error) {
	return f.job, f.err
}

type fakeSender struct {
	mu     sync.Mutex
	frames []*Frame
}

func (f *fakeSender) Send(frame *Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) byType(t string) []*Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Frame
	for _, fr := range f.frames {
		if fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

type fakeLoader struct{}

func (fakeLoader) Load(cfg modelregistry.Config) (any, uint64, error) { return "backend", 1, nil }
func (fakeLoader) Unload(any) error                                  { return nil }

func newTestDeps(t *testing.T) (Deps, []byte) {
	t.Helper()
	hostPriv, err := cryptocore.GeneratePrivateKey()
	require.NoError(t, err)

	reg := modelregistry.New(fakeLoader{}, 1<<30, logger.NewDefaultLogger())
	engine := inference.New(&inference.FakeBackend{Word: "hi"})
	r := router.New(reg, engine, router.Config{AutoLoad: true})

	meterReg := meter.New(nil, meter.Config{Threshold: 100}, logger.NewDefaultLogger())
	keyStore := sessionkeys.New(time.Hour, logger.NewDefaultLogger())

	deps := Deps{
		Router:               r,
		MeterRegistry:        meterReg,
		KeyStore:             keyStore,
		HostPrivKey:          hostPriv,
		HostAddrHex:          "host-address",
		Log:                  logger.NewDefaultLogger(),
		RAGEnabled:           true,
		MaxVectorsPerSession: 1000,
		RequestTimeout:       2 * time.Second,
	}
	return deps, hostPriv
}

func encryptedInitFrame(t *testing.T, hostPriv []byte, sessionKey [32]byte, modelName string, jobID uint64) ([]byte, []byte) {
	t.Helper()
	hostPub, err := cryptocore.CompressedPublicKey(hostPriv)
	require.NoError(t, err)

	clientPriv, err := cryptocore.GeneratePrivateKey()
	require.NoError(t, err)
	clientPub, err := cryptocore.CompressedPublicKey(clientPriv)
	require.NoError(t, err)

	sharedKey, err := cryptocore.DeriveSharedKey(clientPriv, hostPub)
	require.NoError(t, err)

	initMsg := SessionInitPlaintext{
		JobID:         jobID,
		ModelName:     modelName,
		SessionKeyHex: hex.EncodeToString(sessionKey[:]),
	}
	plaintext, err := json.Marshal(initMsg)
	require.NoError(t, err)

	nonce, err := cryptocore.NewNonce()
	require.NoError(t, err)
	aad := []byte("init")
	ciphertext, err := cryptocore.Encrypt(sharedKey, nonce, aad, plaintext)
	require.NoError(t, err)

	msgHash := cryptocore.Keccak256(ciphertext)
	sig, err := cryptocore.Sign(clientPriv, msgHash)
	require.NoError(t, err)

	payload := EncryptedSessionInitPayload{
		EphPubHex:     hex.EncodeToString(clientPub),
		NonceHex:      hex.EncodeToString(nonce),
		CiphertextHex: hex.EncodeToString(ciphertext),
		SignatureHex:  hex.EncodeToString(sig),
		AADHex:        hex.EncodeToString(aad),
	}
	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)

	frame := Frame{Type: FrameEncryptedSessionInit, Payload: payloadBytes}
	frameBytes, err := json.Marshal(frame)
	require.NoError(t, err)
	return frameBytes, clientPub
}

func encryptedTurnFrame(t *testing.T, sessionKey [32]byte, turn TurnPlaintext) []byte {
	t.Helper()
	plaintext, err := json.Marshal(turn)
	require.NoError(t, err)
	nonce, err := cryptocore.NewNonce()
	require.NoError(t, err)
	aad := []byte("turn")
	ciphertext, err := cryptocore.Encrypt(sessionKey[:], nonce, aad, plaintext)
	require.NoError(t, err)

	payload := EncryptedMessagePayload{
		NonceHex:      hex.EncodeToString(nonce),
		CiphertextHex: hex.EncodeToString(ciphertext),
		AADHex:        hex.EncodeToString(aad),
	}
	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)
	frame := Frame{Type: FrameEncryptedMessage, Payload: payloadBytes}
	frameBytes, err := json.Marshal(frame)
	require.NoError(t, err)
	return frameBytes
}

func TestEncryptedHandshakeAndTurn(t *testing.T) {
	deps, hostPriv := newTestDeps(t)
	sender := &fakeSender{}
	s := New(deps, sender)

	var sessionKey [32]byte
	copy(sessionKey[:], []byte("0123456789abcdef0123456789abcdef")[:32])

	initFrame, _ := encryptedInitFrame(t, hostPriv, sessionKey, "tiny-vicuna-1b", 163)
	require.NoError(t, s.HandleFrame(context.Background(), initFrame))
	assert.Equal(t, Active, s.State())
	require.Len(t, sender.byType(FrameSessionInitAck), 1)

	turnFrame := encryptedTurnFrame(t, sessionKey, TurnPlaintext{Prompt: "count to 3", MaxTokens: 3})
	require.NoError(t, s.HandleFrame(context.Background(), turnFrame))

	require.Eventually(t, func() bool {
		return len(sender.byType(FrameEncryptedResponse)) == 1
	}, time.Second, 5*time.Millisecond)

	respFrames := sender.byType(FrameEncryptedResponse)
	var respPayload EncryptedResponsePayload
	require.NoError(t, json.Unmarshal(respFrames[0].Payload, &respPayload))

	nonce, err := hex.DecodeString(respPayload.NonceHex)
	require.NoError(t, err)
	ciphertext, err := hex.DecodeString(respPayload.CiphertextHex)
	require.NoError(t, err)
	aad, err := hex.DecodeString(respPayload.AADHex)
	require.NoError(t, err)

	plaintext, err := cryptocore.Decrypt(sessionKey[:], nonce, aad, ciphertext)
	require.NoError(t, err)

	var resp ResponsePlaintext
	require.NoError(t, json.Unmarshal(plaintext, &resp))
	assert.EqualValues(t, 3, resp.TokensUsed)
	assert.Equal(t, "max_tokens", resp.FinishReason)

	chunks := sender.byType(FrameEncryptedChunk)
	assert.Len(t, chunks, 3)
}

func TestReplayNonceRejected(t *testing.T) {
	deps, hostPriv := newTestDeps(t)
	sender := &fakeSender{}
	s := New(deps, sender)

	var sessionKey [32]byte
	copy(sessionKey[:], []byte("0123456789abcdef0123456789abcdef")[:32])

	initFrame, _ := encryptedInitFrame(t, hostPriv, sessionKey, "tiny-vicuna-1b", 1)
	require.NoError(t, s.HandleFrame(context.Background(), initFrame))

	turnFrame := encryptedTurnFrame(t, sessionKey, TurnPlaintext{Prompt: "hi", MaxTokens: 1})

	require.NoError(t, s.HandleFrame(context.Background(), turnFrame))
	err := s.HandleFrame(context.Background(), turnFrame)
	require.Error(t, err)
}

func TestMixedModeRejected(t *testing.T) {
	deps, _ := newTestDeps(t)
	sender := &fakeSender{}
	s := New(deps, sender)

	init := SessionInitPlaintext{ModelName: "tiny-vicuna-1b"}
	initBytes, err := json.Marshal(init)
	require.NoError(t, err)
	frame := Frame{Type: FrameSessionInit, Payload: initBytes}
	frameBytes, err := json.Marshal(frame)
	require.NoError(t, err)

	require.NoError(t, s.HandleFrame(context.Background(), frameBytes))
	assert.Equal(t, Active, s.State())

	var sessionKey [32]byte
	turnFrame := encryptedTurnFrame(t, sessionKey, TurnPlaintext{Prompt: "hi", MaxTokens: 1})
	err = s.HandleFrame(context.Background(), turnFrame)
	require.Error(t, err)
}

func plaintextInitFrame(t *testing.T, modelName string, jobID uint64) []byte {
	t.Helper()
	init := SessionInitPlaintext{ModelName: modelName, JobID: jobID}
	initBytes, err := json.Marshal(init)
	require.NoError(t, err)
	frame := Frame{Type: FrameSessionInit, Payload: initBytes}
	frameBytes, err := json.Marshal(frame)
	require.NoError(t, err)
	return frameBytes
}

func TestJobInitRejectedWhenNodeIsNotAssignedHost(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.HostAddrHex = "1111111111111111111111111111111111111111"
	deps.Chain = &fakeJobVerifier{job: &chain.JobInfo{
		Host:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		State: chain.JobStateActive,
	}}
	s := New(deps, &fakeSender{})

	err := s.HandleFrame(context.Background(), plaintextInitFrame(t, "tiny-vicuna-1b", 7))
	require.Error(t, err)
	assert.NotEqual(t, Active, s.State())
}

func TestJobInitRejectedWhenJobNotActive(t *testing.T) {
	deps, _ := newTestDeps(t)
	hostAddr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	deps.HostAddrHex = hostAddr.Hex()[2:]
	deps.Chain = &fakeJobVerifier{job: &chain.JobInfo{
		Host:  hostAddr,
		State: chain.JobStateActive + 1,
	}}
	s := New(deps, &fakeSender{})

	err := s.HandleFrame(context.Background(), plaintextInitFrame(t, "tiny-vicuna-1b", 7))
	require.Error(t, err)
	assert.NotEqual(t, Active, s.State())
}

func TestJobInitAcceptedWhenHostAndStateMatch(t *testing.T) {
	deps, _ := newTestDeps(t)
	hostAddr := common.HexToAddress("0x4444444444444444444444444444444444444444")
	deps.HostAddrHex = hostAddr.Hex()[2:]
	deps.Chain = &fakeJobVerifier{job: &chain.JobInfo{
		Host:  hostAddr,
		State: chain.JobStateActive,
	}}
	s := New(deps, &fakeSender{})

	require.NoError(t, s.HandleFrame(context.Background(), plaintextInitFrame(t, "tiny-vicuna-1b", 7)))
	assert.Equal(t, Active, s.State())
}

func TestJobInitSkipsCheckWithoutChainClient(t *testing.T) {
	deps, _ := newTestDeps(t)
	require.Nil(t, deps.Chain)
	s := New(deps, &fakeSender{})

	require.NoError(t, s.HandleFrame(context.Background(), plaintextInitFrame(t, "tiny-vicuna-1b", 7)))
	assert.Equal(t, Active, s.State())
}

func TestUploadVectorsRejectsWrongDimension(t *testing.T) {
	deps, _ := newTestDeps(t)
	sender := &fakeSender{}
	s := New(deps, sender)

	require.NoError(t, s.HandleFrame(context.Background(), plaintextInitFrame(t, "tiny-vicuna-1b", 0)))

	payload := UploadVectorsPayload{Vectors: []VectorUpload{{ID: "a", Vector: make([]float32, 10)}}}
	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)
	frame := Frame{Type: FrameUploadVectors, Payload: payloadBytes}
	frameBytes, err := json.Marshal(frame)
	require.NoError(t, err)

	require.NoError(t, s.HandleFrame(context.Background(), frameBytes))
	require.Len(t, sender.byType(FrameError), 1)
	require.Len(t, sender.byType("upload_vectors_ack"), 0)
}

func TestUploadVectorsAcceptsCorrectDimension(t *testing.T) {
	deps, _ := newTestDeps(t)
	sender := &fakeSender{}
	s := New(deps, sender)

	require.NoError(t, s.HandleFrame(context.Background(), plaintextInitFrame(t, "tiny-vicuna-1b", 0)))

	payload := UploadVectorsPayload{Vectors: []VectorUpload{{ID: "a", Vector: make([]float32, 384)}}}
	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)
	frame := Frame{Type: FrameUploadVectors, Payload: payloadBytes}
	frameBytes, err := json.Marshal(frame)
	require.NoError(t, err)

	require.NoError(t, s.HandleFrame(context.Background(), frameBytes))
	require.Len(t, sender.byType("upload_vectors_ack"), 1)
}

func TestSearchVectorsRejectsWrongDimension(t *testing.T) {
	deps, _ := newTestDeps(t)
	sender := &fakeSender{}
	s := New(deps, sender)

	require.NoError(t, s.HandleFrame(context.Background(), plaintextInitFrame(t, "tiny-vicuna-1b", 0)))

	payload := SearchVectorsPayload{QueryVector: make([]float32, 5), K: 1}
	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)
	frame := Frame{Type: FrameSearchVectors, Payload: payloadBytes}
	frameBytes, err := json.Marshal(frame)
	require.NoError(t, err)

	require.NoError(t, s.HandleFrame(context.Background(), frameBytes))
	require.Len(t, sender.byType(FrameError), 1)
	require.Len(t, sender.byType(FrameSearchVectorsResult), 0)
}

func TestDrainClosesSessionAndReleasesResources(t *testing.T) {
	deps, _ := newTestDeps(t)
	sender := &fakeSender{}
	s := New(deps, sender)

	init := SessionInitPlaintext{ModelName: "tiny-vicuna-1b", JobID: 7}
	initBytes, err := json.Marshal(init)
	require.NoError(t, err)
	frame := Frame{Type: FrameSessionInit, Payload: initBytes}
	frameBytes, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, s.HandleFrame(context.Background(), frameBytes))

	s.Drain(time.Second)
	assert.Equal(t, Closed, s.State())

	_, ok := deps.KeyStore.Get(s.ID)
	assert.False(t, ok)
}
