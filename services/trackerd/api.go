package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"tagtrace/pkg/buzz"
	"tagtrace/pkg/keystore"
	"tagtrace/pkg/metrics"
	"tagtrace/pkg/presence"
	"tagtrace/pkg/seal"
	"tagtrace/pkg/store"
	"tagtrace/pkg/structlog"
)

// apiServer is the owner-facing HTTP surface: register an identity,
// request a ring, read back the latest decrypted location, and inspect
// the presence cache.
type apiServer struct {
	ks     *keystore.Store
	st     store.Store
	cache  *presence.Cache
	secret []byte
	log    *structlog.Logger

	mRegister *metrics.Counter
	mRing     *metrics.Counter
	mLocate   *metrics.Counter
	mDenied   *metrics.Counter
}

func newAPI(ks *keystore.Store, st store.Store, cache *presence.Cache, secret []byte, log *structlog.Logger, reg *metrics.Registry) *apiServer {
	if log == nil {
		log = structlog.NewLogger("api", structlog.LevelInfo, nil)
	}
	s := &apiServer{
		ks:        ks,
		st:        st,
		cache:     cache,
		secret:    secret,
		log:       log,
		mRegister: metrics.NewCounter("api_register_total", "Identity registrations"),
		mRing:     metrics.NewCounter("api_ring_total", "Ring requests accepted"),
		mLocate:   metrics.NewCounter("api_locate_total", "Locate requests served"),
		mDenied:   metrics.NewCounter("api_denied_total", "Requests rejected by auth"),
	}
	if reg != nil {
		reg.Register(s.mRegister)
		reg.Register(s.mRing)
		reg.Register(s.mLocate)
		reg.Register(s.mDenied)
	}
	return s
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/devices", s.auth(s.handleDevices))
	mux.HandleFunc("/api/register", s.auth(s.handleRegister))
	mux.HandleFunc("/api/ring", s.auth(s.handleRing))
	mux.HandleFunc("/api/locate", s.auth(s.handleLocate))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// auth checks a Bearer HS256 token signed with the shared API secret.
// An empty secret disables the API rather than leaving it open.
func (s *apiServer) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.secret) == 0 {
			s.mDenied.Inc()
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "api secret not configured"})
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			s.mDenied.Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil {
			s.mDenied.Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next(w, r)
	}
}

func validEID(eid string) bool {
	if len(eid) != 40 {
		return false
	}
	_, err := hex.DecodeString(eid)
	return err == nil
}

func (s *apiServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": s.cache.Snapshot()})
}

func (s *apiServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		EID string `json:"eid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	req.EID = strings.ToLower(req.EID)
	if !validEID(req.EID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "eid must be 40 hex chars"})
		return
	}
	priv, created, err := s.ks.EnsureKey(req.EID)
	if err != nil {
		s.log.Error("register: keystore", structlog.Fields{"eid": req.EID, "error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "keystore failure"})
		return
	}
	pub := seal.MarshalPublicKey(priv.PublicKey())
	if err := s.st.PutRegistration(r.Context(), req.EID, pub); err != nil {
		s.log.Error("register: store", structlog.Fields{"eid": req.EID, "error": err.Error()})
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "remote store failure"})
		return
	}
	s.mRegister.Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"eid":       req.EID,
		"publicKey": pub,
		"created":   created,
	})
}

func (s *apiServer) handleRing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		EID        string `json:"eid"`
		DurationMS int    `json:"duration_ms"`
		Format     string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	req.EID = strings.ToLower(req.EID)
	if !validEID(req.EID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "eid must be 40 hex chars"})
		return
	}
	if req.DurationMS <= 0 {
		req.DurationMS = 5000
	}
	format, err := buzz.ParseFormat(req.Format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.st.SetBuzzer(r.Context(), req.EID, req.DurationMS, string(format)); err != nil {
		s.log.Error("ring: store", structlog.Fields{"eid": req.EID, "error": err.Error()})
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "remote store failure"})
		return
	}
	s.mRing.Inc()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"eid":         req.EID,
		"duration_ms": req.DurationMS,
		"format":      format,
	})
}

func (s *apiServer) handleLocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	eid := strings.ToLower(r.URL.Query().Get("eid"))
	if !validEID(eid) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "eid must be 40 hex chars"})
		return
	}
	priv, err := s.ks.Key(eid)
	if errors.Is(err, keystore.ErrNoKey) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "identity not registered here"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "keystore failure"})
		return
	}
	raw, err := s.st.Reports(r.Context(), eid)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "remote store failure"})
		return
	}
	envs := make([]seal.Envelope, 0, len(raw))
	malformed := 0
	for _, item := range raw {
		var env seal.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			malformed++
			continue
		}
		envs = append(envs, env)
	}
	rec, skipped, err := seal.DecryptLatest(priv, envs)
	if errors.Is(err, seal.ErrNoValidReport) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no decryptable report"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "decrypt failure"})
		return
	}
	if n := skipped + malformed; n > 0 {
		s.log.Warn("locate: undecryptable envelopes dropped", structlog.Fields{"eid": eid, "dropped": n})
	}
	s.mLocate.Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"eid":      eid,
		"location": rec,
		"reports":  len(raw),
		"dropped":  skipped + malformed,
	})
}
