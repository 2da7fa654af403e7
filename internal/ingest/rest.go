package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"blinkwatch/internal/config"
	"blinkwatch/internal/model"
)

type RESTServer struct {
	parser *Parser
	out    chan<- model.FrameSample
	logger *slog.Logger
}

// StartREST serves the frame push endpoint. POST /frames accepts one frame
// record or an array of them; /health answers liveness probes.
func StartREST(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.FrameSample, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := &RESTServer{parser: parser, out: out, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", server.handleFrames)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	trim := bytesTrim(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var records []json.RawMessage
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &records); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		records = []json.RawMessage{trim}
	}

	accepted := 0
	failed := 0
	for _, raw := range records {
		sample, err := s.parser.ParseFrameBytes(raw)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("rest frame parse error", "err", err)
			}
			failed++
			continue
		}
		sample.Source = "rest"
		SendNonBlocking(r.Context(), s.out, *sample, s.logger)
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"failed":   failed,
	})
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
