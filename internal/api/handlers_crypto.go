package api

import (
	"errors"
	"net/http"

	"github.com/org/phivault/internal/crypto"
	"github.com/rs/zerolog/log"
)

// EncryptHandler handles POST /v1/crypto/encrypt.
// Plaintext never appears in logs, only field metadata.
func (s *Server) EncryptHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plaintext string `json:"plaintext"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	envelope, err := s.engine.Encrypt(req.Plaintext)
	if err != nil {
		s.writeCryptoError(w, r, err)
		return
	}
	searchHash, err := s.engine.SearchHash(req.Plaintext)
	if err != nil {
		s.writeCryptoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"envelope":    envelope,
		"search_hash": searchHash,
	})
}

// DecryptHandler handles POST /v1/crypto/decrypt.
func (s *Server) DecryptHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Envelope string `json:"envelope"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plaintext, err := s.engine.Decrypt(req.Envelope)
	if err != nil {
		s.writeCryptoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plaintext": plaintext})
}

// SearchHashHandler handles POST /v1/crypto/hash.
func (s *Server) SearchHashHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hash, err := s.engine.SearchHash(req.Value)
	if err != nil {
		s.writeCryptoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"search_hash": hash})
}

// writeCryptoError maps the crypto taxonomy onto HTTP statuses. Format
// errors and tag failures are distinguished so callers can tell "wrong
// key or tampered data" from "not our format". Detail goes to the logs
// for operators; callers get the taxonomy name only.
func (s *Server) writeCryptoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, crypto.ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, "invalid ciphertext envelope")
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		log.Warn().Str("request_id", requestIDFromCtx(r.Context())).Msg("ciphertext authentication failure")
		writeError(w, http.StatusUnprocessableEntity, "ciphertext authentication failed")
	case errors.Is(err, crypto.ErrKeyNotConfigured):
		log.Error().Str("request_id", requestIDFromCtx(r.Context())).Msg("encryption key not configured")
		writeError(w, http.StatusInternalServerError, "encryption unavailable")
	default:
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Msg("crypto operation failed")
		writeError(w, http.StatusInternalServerError, "unable to process request")
	}
}
