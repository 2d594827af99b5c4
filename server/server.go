package server

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/perceptra/docpipe/handlers"
)

func SetupRoutes(documentHandler *handlers.DocumentHandler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/documents", documentHandler.Upload).Methods("POST")
	r.HandleFunc("/documents/{id}/status", documentHandler.Status).Methods("GET")
	r.HandleFunc("/documents/{id}/chunks", documentHandler.Chunks).Methods("GET")
	r.HandleFunc("/documents/{id}", documentHandler.Cancel).Methods("DELETE")

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	return r
}

// Serve runs the HTTP server and blocks until it fails.
func Serve(s *http.Server) {
	log.Fatal(s.ListenAndServe())
}
