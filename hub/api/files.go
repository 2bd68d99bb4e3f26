package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

var allowedExtensions = map[string]bool{
	".jpeg": true, ".jpg": true, ".png": true, ".gif": true,
	".mp4": true, ".mp3": true, ".wav": true, ".webm": true, ".ogg": true, ".m4a": true,
	".pdf": true, ".doc": true, ".docx": true, ".txt": true,
}

var allowedMIMETypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"video/mp4",
	"video/quicktime",
	"video/webm",
	"audio/mpeg",
	"audio/wav",
	"audio/ogg",
	"audio/webm",
	"audio/mp4",
	"audio/x-m4a",
	"application/ogg",
	"application/pdf",
	"application/msword",
	"application/x-ole-storage",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
}

// allowedMIME reports whether the sniffed type, or one of its parents, is on
// the allow-list. Any text/* type is accepted.
func allowedMIME(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "text/") {
			return true
		}
		if lo.ContainsBy(allowedMIMETypes, func(t string) bool { return m.Is(t) }) {
			return true
		}
	}
	return false
}

// handleUpload handles POST /api/upload. It stores the file under the upload
// directory and persists a file (or audio) message for the room. Clients
// then announce the file over the socket with a send message carrying the
// returned path; the router relays it without storing it again.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileBytes+1024*1024) // overhead for multipart headers

	if err := r.ParseMultipartForm(s.maxFileBytes); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxFileBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds maximum size of %d bytes", s.maxFileBytes))
		return
	}

	roomCode := r.FormValue("roomCode")
	username := strings.TrimSpace(r.FormValue("username"))
	userID := ""
	if identity := getIdentityFromContext(r.Context()); identity != nil {
		username, userID = identity.Username, identity.UserID
	}
	if roomCode == "" || username == "" {
		writeError(w, http.StatusBadRequest, "roomCode and username are required")
		return
	}
	room, err := s.store.GetRoomByCode(r.Context(), roomCode)
	if err != nil {
		s.logger.Error("get room failed", "room", roomCode, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load room")
		return
	}
	if room == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	originalName := filepath.Base(header.Filename)
	ext := strings.ToLower(filepath.Ext(originalName))
	mt := mimetype.Detect(data)
	if !allowedExtensions[ext] || !allowedMIME(mt) {
		writeError(w, http.StatusUnsupportedMediaType, "file type not allowed")
		return
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.logger.Warn("failed to create upload directory", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	storedName := "file-" + uuid.New().String() + ext
	if err := os.WriteFile(filepath.Join(s.uploadDir, storedName), data, 0o644); err != nil {
		s.logger.Warn("failed to write file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	kind := protocol.MessageFile
	if r.FormValue("messageType") == protocol.MessageAudio {
		kind = protocol.MessageAudio
	}
	content := strings.TrimSpace(r.FormValue("message"))
	if content == "" {
		content = "File uploaded: " + originalName
	}

	msg := &store.Message{
		RoomCode:    room.Code,
		Username:    username,
		UserID:      userID,
		MessageType: kind,
		Content:     content,
		FilePath:    "/uploads/" + storedName,
		FileName:    originalName,
		FileSize:    int64(len(data)),
		SentAt:      time.Now().UTC(),
	}
	if err := s.store.SaveMessage(r.Context(), msg); err != nil {
		s.logger.Warn("failed to persist file message", "room", room.Code, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist file message")
		return
	}

	s.logger.Info("file uploaded", "room", room.Code, "username", username, "name", originalName, "size", len(data), "mime_type", mt.String())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"file": map[string]any{
			"id":           msg.ID,
			"filename":     storedName,
			"originalname": originalName,
			"size":         len(data),
			"path":         msg.FilePath,
			"mimeType":     mt.String(),
			"messageType":  kind,
		},
		"message": content,
	})
}

// uploadsHandler serves stored uploads. Directory listings are refused.
func (s *Server) uploadsHandler() http.Handler {
	fs := http.FileServer(http.Dir(s.uploadDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		fs.ServeHTTP(w, r)
	})
}
