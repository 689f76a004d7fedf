package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"aligniq/internal/app"
	"aligniq/pkg/domain"
)

const multipartMemoryLimit = 8 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	doc, task, err := s.app.UploadDocument(r.Context(), user.ID, header.Filename, file)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrUnsupportedFileType), errors.Is(err, app.ErrEmptyFile):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrFileTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "upload failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":     task.TaskID,
		"document_id": doc.ID,
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	docs, err := s.app.Documents(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_details": docs})
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/documents/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case r.Method == http.MethodGet && sub == "":
		doc, err := s.app.Document(user.ID, id)
		if err != nil {
			writeError(w, http.StatusNotFound, app.ErrDocumentNotFound.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_details": doc})
	case r.Method == http.MethodGet && sub == "analysis":
		result, err := s.app.AnalysisResult(user.ID, id)
		if err != nil {
			switch {
			case errors.Is(err, app.ErrDocumentNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, app.ErrDocumentNotReady):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_details": result})
	case r.Method == http.MethodDelete && sub == "":
		if err := s.app.DeleteDocument(r.Context(), user.ID, id); err != nil {
			if errors.Is(err, app.ErrDocumentNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// handleStatus serves GET /status/{task_id} (snapshot) and
// GET /status/{task_id}/events (SSE stream). EventSource cannot set
// headers, so the stream authenticates with a token query parameter.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/status/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		http.NotFound(w, r)
		return
	}

	var user domain.User
	var ok bool
	if sub == "events" {
		user, ok = s.app.UserFromToken(r.URL.Query().Get("token"))
	} else {
		user, ok = s.authorize(r)
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	task, found, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found || task.OwnerID != user.ID {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	switch sub {
	case "":
		writeJSON(w, http.StatusOK, task)
	case "events":
		s.streamStatusEvents(w, r, task.TaskID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) streamStatusEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, stop, err := s.broker.Subscribe(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if event.Terminal() {
				return
			}
		}
	}
}
