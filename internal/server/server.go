package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/kalder/scribe/internal/config"
	"github.com/kalder/scribe/internal/storage"
)

// Server owns the HTTP listener and the activity hub.
type Server struct {
	cfg      *config.Config
	handlers *Handlers
	hub      *Hub
}

// New wires the API handlers and activity hub for the given components.
func New(cfg *config.Config, store storage.Store, pipeline NotePipeline, searcher NoteSearcher, registry EntityRegistry) *Server {
	hub := NewHub(nil)
	return &Server{
		cfg:      cfg,
		handlers: NewHandlers(store, pipeline, searcher, registry, hub, cfg.Ingest.DefaultOwner),
		hub:      hub,
	}
}

// Hub returns the activity hub so other components (the watch-folder
// importer) can broadcast events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins serving and returns the actual listen address (useful with
// port 0 in tests). The server shuts down gracefully when ctx is cancelled.
func (s *Server) Start(ctx context.Context) (string, error) {
	go s.hub.Run()

	handler := rateLimitMiddleware(s.routes(), NewRateLimiter(10.0, 20))
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		s.hub.Stop()
	}()

	log.Printf("server: listening on %s", actualAddr)
	return actualAddr, nil
}

// routes builds the API mux.
func (s *Server) routes() *http.ServeMux {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("/api/notes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.CreateNote(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/notes/bulk", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.BulkNotes(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/notes/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.GetNote(w, r)
		case http.MethodDelete:
			h.DeleteNote(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.SearchNotes(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/entities/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.SearchEntities(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/entities/merge", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.MergeEntities(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.GetEntity(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.Health(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.Handle("/api/events", s.hub)

	return mux
}
