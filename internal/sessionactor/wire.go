package sessionactor

import "encoding/json"

// Frame is the envelope every wire message shares: a type tag and an
// opaque payload, per spec.md §6.1.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncryptedSessionInitPayload is the client->server handshake frame.
type EncryptedSessionInitPayload struct {
	EphPubHex     string `json:"ephPubHex"`
	NonceHex      string `json:"nonceHex"`
	CiphertextHex string `json:"ciphertextHex"`
	SignatureHex  string `json:"signatureHex"`
	AADHex        string `json:"aadHex,omitempty"`
}

// SessionInitPlaintext is encryptedSessionInit's decrypted contents.
type SessionInitPlaintext struct {
	JobID         uint64 `json:"jobId"`
	ModelName     string `json:"modelName"`
	SessionKeyHex string `json:"sessionKeyHex"`
	ChainID       uint64 `json:"chainId"`
	Price         string `json:"price"`
}

// SessionInitAck is the plaintext reply to a successful init.
type SessionInitAck struct {
	SessionID string `json:"sessionId"`
}

// EncryptedMessagePayload is a client->server turn frame.
type EncryptedMessagePayload struct {
	NonceHex      string `json:"nonceHex"`
	CiphertextHex string `json:"ciphertextHex"`
	AADHex        string `json:"aadHex,omitempty"`
}

// TurnPlaintext is encryptedMessage's decrypted contents.
type TurnPlaintext struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float32 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// EncryptedChunkPayload is a server->client streamed token frame.
type EncryptedChunkPayload struct {
	Index         uint32 `json:"index"`
	NonceHex      string `json:"nonceHex"`
	CiphertextHex string `json:"ciphertextHex"`
	AADHex        string `json:"aadHex,omitempty"`
}

// ChunkPlaintext is one encrypted_chunk's decrypted contents.
type ChunkPlaintext struct {
	Token string `json:"token"`
}

// EncryptedResponsePayload is the terminal server->client frame for an
// encrypted turn. Shares encryptedMessage's envelope shape (no index:
// there is exactly one per turn).
type EncryptedResponsePayload struct {
	NonceHex      string `json:"nonceHex"`
	CiphertextHex string `json:"ciphertextHex"`
	AADHex        string `json:"aadHex,omitempty"`
}

// ResponsePlaintext is the terminal frame's decrypted contents.
type ResponsePlaintext struct {
	Content      string `json:"content"`
	TokensUsed   uint64 `json:"tokensUsed"`
	FinishReason string `json:"finishReason"`
	RequestID    string `json:"requestId"`
}

// UploadVectorsPayload is a RAG batch-upload frame.
type UploadVectorsPayload struct {
	Vectors []VectorUpload `json:"vectors"`
	Replace bool           `json:"replace"`
}

// VectorUpload is one entry within an upload_vectors frame. Vector is
// decoded as a slice, not a [384]float32, so a wrong-length upload can be
// rejected instead of silently zero-padded or truncated by the decoder.
type VectorUpload struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchVectorsPayload is a RAG search request frame.
type SearchVectorsPayload struct {
	QueryVector    []float32      `json:"queryVector"`
	K              int            `json:"k"`
	Threshold      *float32       `json:"threshold,omitempty"`
	MetadataFilter map[string]any `json:"metadataFilter,omitempty"`
}

// SearchVectorsResult is the response to a search_vectors frame.
type SearchVectorsResult struct {
	Results      []VectorHit `json:"results"`
	SearchTimeMs float64     `json:"searchTimeMs"`
}

// VectorHit is one ranked search result on the wire.
type VectorHit struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorPayload is sent on any turn-scoped failure; the session stays
// alive unless the error occurred during init (§7 propagation policy).
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	FrameEncryptedSessionInit = "encrypted_session_init"
	FrameSessionInitAck       = "session_init_ack"
	FrameEncryptedMessage     = "encrypted_message"
	FrameEncryptedChunk       = "encrypted_chunk"
	FrameEncryptedResponse    = "encrypted_response"
	FrameUploadVectors        = "upload_vectors"
	FrameSearchVectors        = "search_vectors"
	FrameSearchVectorsResult  = "search_vectors_result"
	FrameError                = "error"

	// Legacy plaintext frames (§6.1): schemas mirror the decrypted
	// payloads above.
	FrameSessionInit = "session_init"
	FramePrompt      = "prompt"
	FrameResponse    = "response"
)

func encodeFrame(frameType string, payload any) (*Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameType, Payload: b}, nil
}
