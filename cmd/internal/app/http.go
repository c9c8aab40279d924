package app

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"hearth/cmd/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	rdb *redis.Client,
	ws *chat.WSGateway,
	tribe *chat.Service,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if cfg.ReadinessRequireRedis && rdb == nil {
			http.Error(w, "redis not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if rdb != nil {
			if err := PingRedis(r.Context(), rdb, 2*time.Second); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				log.Info("readyz.redis.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/ws", ws.HandleWS)

	// Tribe messages can also arrive over plain HTTP (bots, bridges, server
	// side integrations). This path writes durably right away instead of
	// passing through the volatile buffer.
	mux.Handle("/api/v1/tribes/messages", tribeSendHandler(log, tribe))
}

type tribeSendRequest struct {
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Body       string `json:"body"`
	Kind       string `json:"kind,omitempty"`
	FileURL    string `json:"file_url,omitempty"`
}

type tribeSendResponse struct {
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

func tribeSendHandler(log Logger, tribe *chat.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if tribe == nil {
			http.Error(w, "tribe chat disabled", http.StatusServiceUnavailable)
			return
		}

		var req tribeSendRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		msg, err := tribe.SendDirect(r.Context(), chat.SendInput{
			RoomID:  strings.TrimSpace(req.RoomID),
			Sender:  chat.Identity{ID: req.SenderID, Name: req.SenderName},
			Body:    req.Body,
			Kind:    chat.MessageKind(req.Kind),
			FileURL: req.FileURL,
		})
		if err != nil {
			switch {
			case chat.IsInvalidInput(err):
				http.Error(w, err.Error(), http.StatusBadRequest)
			case chat.IsStorage(err):
				http.Error(w, "storage failure", http.StatusBadGateway)
				log.Error("tribe.send.storage_fail", "err", err)
			default:
				http.Error(w, "send failed", http.StatusInternalServerError)
				log.Error("tribe.send.fail", "err", err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(tribeSendResponse{
			MessageID: msg.ID,
			CreatedAt: msg.CreatedAt,
		})
	})
}
