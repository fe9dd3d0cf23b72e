package handler

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gigmarket/ordersync/internal/api"
	"github.com/gigmarket/ordersync/internal/chat"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/service"
)

const maxUploadSize = 10 << 20

// ChatHandler handles the conversation of an order
type ChatHandler struct {
	engine *service.Engine
}

// NewChatHandler creates a new chat handler
func NewChatHandler(engine *service.Engine) *ChatHandler {
	return &ChatHandler{engine: engine}
}

type sendMessageRequest struct {
	Text string `json:"text"`
	ToID string `json:"to_id"`
}

// Messages handles GET /api/orders/{id}/messages
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	messages := h.engine.Chat().Messages(chi.URLParam(r, "id"))
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	api.JSON(w, http.StatusOK, messages)
}

// Send handles POST /api/orders/{id}/messages. JSON bodies send text;
// multipart bodies with a "file" part send an image.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	content, err := decodeContent(w, r)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	msg, err := h.engine.SendMessage(r.Context(), chi.URLParam(r, "id"), content)
	if err != nil {
		writeMessageError(w, msg, err)
		return
	}
	api.JSON(w, http.StatusCreated, msg)
}

// Retry handles POST /api/orders/{id}/messages/{localID}/retry
func (h *ChatHandler) Retry(w http.ResponseWriter, r *http.Request) {
	msg, err := h.engine.Chat().Retry(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "localID"))
	if err != nil {
		writeMessageError(w, msg, err)
		return
	}
	api.JSON(w, http.StatusOK, msg)
}

// Discard handles DELETE /api/orders/{id}/messages/{localID}
func (h *ChatHandler) Discard(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Chat().Discard(chi.URLParam(r, "id"), chi.URLParam(r, "localID")); err != nil {
		api.FromError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeMessageError answers a failed send. The failed entry stays in the
// timeline, so it is returned for the client to offer retry or discard.
func writeMessageError(w http.ResponseWriter, msg models.ChatMessage, err error) {
	if msg.LocalID == "" {
		api.FromError(w, err)
		return
	}
	api.JSON(w, api.StatusFor(err), struct {
		api.ErrorResponse
		Message models.ChatMessage `json:"message"`
	}{
		ErrorResponse: api.ErrorResponse{Error: err.Error()},
		Message:       msg,
	})
}

func decodeContent(w http.ResponseWriter, r *http.Request) (chat.Content, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return chat.Content{}, errors.New("invalid request body")
		}
		return chat.Content{Text: req.Text, ToID: req.ToID}, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return chat.Content{}, errors.New("invalid multipart body")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return chat.Content{}, errors.New("file is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return chat.Content{}, errors.New("failed to read file")
	}
	return chat.Content{
		FileName: header.Filename,
		Data:     data,
		ToID:     r.FormValue("to_id"),
	}, nil
}
