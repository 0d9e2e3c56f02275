// Package api exposes the tracked-entity operations over HTTP. Request and
// response property values use the canonical wire form; the handlers convert
// to and from runtime values with the registered descriptors.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/entrack/internal/domain"
	"github.com/rpattn/entrack/internal/export"
	"github.com/rpattn/entrack/internal/tracking"
)

type Handler struct {
	registry *domain.Registry
	tracker  *tracking.Tracker
	exporter *export.Service
	logger   *zap.Logger
}

func NewHandler(registry *domain.Registry, tracker *tracking.Tracker, exporter *export.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, tracker: tracker, exporter: exporter, logger: logger}
}

// Routes registers all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /entities/{type}", h.handleCreate)
	mux.HandleFunc("GET /entities/{type}", h.handleList)
	mux.HandleFunc("GET /entities/{type}/{id}", h.handleGet)
	mux.HandleFunc("PUT /entities/{type}/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /entities/{type}/{id}", h.handleDelete)

	mux.HandleFunc("GET /history/{type}/{id}", h.handleStream)
	mux.HandleFunc("GET /history/{type}/{id}/latest", h.handleLatest)
	mux.HandleFunc("GET /history/{type}/{id}/export", h.handleExport)
	mux.HandleFunc("POST /history/{type}/{id}/materialize", h.handleMaterialize)
	mux.HandleFunc("POST /history/{type}/{id}/rollback", h.handleRollback)

	mux.HandleFunc("POST /track-token", h.handleTrackToken)

	return mux
}

type entityResponse struct {
	ID         uuid.UUID      `json:"id"`
	EntityType string         `json:"entityType"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type entityPayload struct {
	Properties map[string]json.RawMessage `json:"properties"`
}

type eventResponse struct {
	ID           uuid.UUID       `json:"id"`
	EntityType   string          `json:"entityType"`
	EntityID     uuid.UUID       `json:"entityId"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	ActorID      *uuid.UUID      `json:"actorId,omitempty"`
	ProvenanceID *uuid.UUID      `json:"provenanceId,omitempty"`
	RecordedAt   time.Time       `json:"recordedAt"`
	Seq          int64           `json:"seq"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")
	properties, ok := h.decodeProperties(w, r, entityType)
	if !ok {
		return
	}

	rec, err := h.tracker.New(entityType, properties)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.tracker.Save(r.Context(), rec); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntity(w, http.StatusCreated, rec.Entity())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	rec, err := h.tracker.Load(r.Context(), entityType, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntity(w, http.StatusOK, rec.Entity())
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")
	entities, err := h.tracker.List(r.Context(), entityType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	responses := make([]entityResponse, 0, len(entities))
	for _, entity := range entities {
		response, err := h.toEntityResponse(entity)
		if err != nil {
			h.writeError(w, err)
			return
		}
		responses = append(responses, response)
	}
	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	properties, ok := h.decodeProperties(w, r, entityType)
	if !ok {
		return
	}

	rec, err := h.tracker.Load(r.Context(), entityType, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec.SetProperties(properties)
	if err := h.tracker.Save(r.Context(), rec); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntity(w, http.StatusOK, rec.Entity())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	rec, err := h.tracker.Load(r.Context(), entityType, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.tracker.Delete(r.Context(), rec); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	rng, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.tracker.Stream(r.Context(), entityType, id, rng)
	if err != nil {
		h.writeError(w, err)
		return
	}
	responses := make([]eventResponse, 0, len(events))
	for _, event := range events {
		responses = append(responses, toEventResponse(event))
	}
	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	event, err := h.tracker.Latest(r.Context(), entityType, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(event))
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rng, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := export.Request{EntityType: entityType, EntityID: id, Range: rng}

	// Buffer the export so failures can still produce an error response.
	var buf bytes.Buffer
	switch format {
	case export.FormatXLSX:
		err = h.exporter.WriteXLSX(r.Context(), req, &buf)
	default:
		_, err = h.exporter.WriteCSV(r.Context(), req, &buf)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", req.FileName(format)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	event, ok := h.resolveEvent(w, r)
	if !ok {
		return
	}
	entity, err := h.tracker.Materialize(r.Context(), event)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntity(w, http.StatusOK, entity)
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	event, ok := h.resolveEvent(w, r)
	if !ok {
		return
	}
	rec, err := h.tracker.Rollback(r.Context(), event)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntity(w, http.StatusOK, rec.Entity())
}

func (h *Handler) handleTrackToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.tracker.CreateTrackToken(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

// resolveEvent locates the target history event for materialize and
// rollback. A seq query parameter picks a specific event; without it the
// identity's latest event is used.
func (h *Handler) resolveEvent(w http.ResponseWriter, r *http.Request) (domain.HistoryEvent, bool) {
	entityType, id, ok := h.pathIdentity(w, r)
	if !ok {
		return domain.HistoryEvent{}, false
	}

	raw := strings.TrimSpace(r.URL.Query().Get("seq"))
	if raw == "" {
		event, err := h.tracker.Latest(r.Context(), entityType, id)
		if err != nil {
			h.writeError(w, err)
			return domain.HistoryEvent{}, false
		}
		return event, true
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "seq must be an integer", http.StatusBadRequest)
		return domain.HistoryEvent{}, false
	}
	events, err := h.tracker.Stream(r.Context(), entityType, id, domain.TimeRange{})
	if err != nil {
		h.writeError(w, err)
		return domain.HistoryEvent{}, false
	}
	for _, event := range events {
		if event.Seq == seq {
			return event, true
		}
	}
	http.Error(w, fmt.Sprintf("no event with seq %d for %s/%s", seq, entityType, id), http.StatusNotFound)
	return domain.HistoryEvent{}, false
}

func (h *Handler) pathIdentity(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	entityType := r.PathValue("type")
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity id: %v", err), http.StatusBadRequest)
		return "", uuid.Nil, false
	}
	return entityType, id, true
}

// decodeProperties reads the request payload and converts canonical wire
// values to runtime values using the type's descriptor.
func (h *Handler) decodeProperties(w http.ResponseWriter, r *http.Request, entityType string) (map[string]any, bool) {
	defer r.Body.Close()

	desc, err := h.registry.Lookup(entityType)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}

	var payload entityPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return nil, false
	}

	properties := make(map[string]any, len(payload.Properties))
	for name, raw := range payload.Properties {
		field, ok := desc.Field(name)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown field %q for entity type %q", name, entityType), http.StatusBadRequest)
			return nil, false
		}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		var wire any
		if err := decoder.Decode(&wire); err != nil {
			http.Error(w, fmt.Sprintf("invalid value for field %q: %v", name, err), http.StatusBadRequest)
			return nil, false
		}
		value, err := domain.RestoreValue(domain.FieldMeta{Type: field.Type, Relation: field.ReferenceEntityType}, wire)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid value for field %q: %v", name, err), http.StatusBadRequest)
			return nil, false
		}
		properties[name] = value
	}
	return properties, true
}

func (h *Handler) writeEntity(w http.ResponseWriter, status int, entity domain.Entity) {
	response, err := h.toEntityResponse(entity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, response)
}

// toEntityResponse renders properties in canonical wire form so clients see
// the same representation history payloads use.
func (h *Handler) toEntityResponse(entity domain.Entity) (entityResponse, error) {
	desc, err := h.registry.Lookup(entity.EntityType)
	if err != nil {
		return entityResponse{}, err
	}
	properties := make(map[string]any, len(desc.Fields))
	for _, field := range desc.Fields {
		canonical, err := domain.CanonicalValue(field.Type, entity.Properties[field.Name])
		if err != nil {
			return entityResponse{}, err
		}
		properties[field.Name] = canonical
	}
	return entityResponse{
		ID:         entity.ID,
		EntityType: entity.EntityType,
		Properties: properties,
		CreatedAt:  entity.CreatedAt,
		UpdatedAt:  entity.UpdatedAt,
	}, nil
}

func toEventResponse(event domain.HistoryEvent) eventResponse {
	return eventResponse{
		ID:           event.ID,
		EntityType:   event.EntityType,
		EntityID:     event.EntityID,
		Action:       string(event.Action),
		Payload:      event.Payload,
		ActorID:      event.ActorID,
		ProvenanceID: event.ProvenanceID,
		RecordedAt:   event.RecordedAt,
		Seq:          event.Seq,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNoHistory), errors.Is(err, domain.ErrUnknownEntityType):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSchemaMismatch), errors.Is(err, domain.ErrDeserialization):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrCorruptHistory):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func parseTimeRange(r *http.Request) (domain.TimeRange, error) {
	rng := domain.TimeRange{}
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.TimeRange{}, fmt.Errorf("invalid from timestamp: %w", err)
		}
		rng.From = &t
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.TimeRange{}, fmt.Errorf("invalid to timestamp: %w", err)
		}
		rng.To = &t
	}
	return rng, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
