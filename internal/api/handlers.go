package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"push-server/internal/model"
	"push-server/internal/pushdb"
)

// eventJSON is an event as returned to clients, with its store key.
type eventJSON struct {
	Key string `json:"key"`
	model.PushEvent
}

type eventsResponse struct {
	Events []eventJSON `json:"events"`
}

func toEvents(rows []*pushdb.EventRow) eventsResponse {
	out := eventsResponse{Events: make([]eventJSON, 0, len(rows))}
	for _, row := range rows {
		out.Events = append(out.Events, eventJSON{Key: row.ID, PushEvent: row.Event})
	}
	return out
}

type deviceRequest struct {
	DeviceID           string   `json:"deviceId"`
	DeviceToken        *string  `json:"deviceToken"`
	LoginIDs           []string `json:"loginIds"`
	IgnoreMarketing    *bool    `json:"ignoreMarketing"`
	IgnorePriceChanges *bool    `json:"ignorePriceChanges"`
}

type deviceResponse struct {
	Device model.Device `json:"device"`
	eventsResponse
}

// handleDevice registers or refreshes a device and returns its events.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	var logins []model.LoginID
	for i, raw := range req.LoginIDs {
		id, err := model.ParseLoginID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("loginIds[%d]: %v", i, err))
			return
		}
		logins = append(logins, id)
	}

	key := apiKeyFrom(r.Context())
	now := s.now().UTC()
	dev, err := s.DB.Devices.Update(r.Context(), req.DeviceID, func(d *model.Device) error {
		if d.Created.IsZero() {
			d.Created = now
		}
		d.Visited = now
		d.AppID = key.AppID
		d.APIKey = key.APIKey
		if req.DeviceToken != nil {
			d.DeviceToken = *req.DeviceToken
		}
		if req.LoginIDs != nil {
			d.LoginIDs = logins
		}
		if req.IgnoreMarketing != nil {
			d.IgnoreMarketing = *req.IgnoreMarketing
		}
		if req.IgnorePriceChanges != nil {
			d.IgnorePriceChanges = *req.IgnorePriceChanges
		}
		return nil
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	rows, err := s.DB.Events.GetEventsByDeviceID(r.Context(), req.DeviceID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{Device: dev, eventsResponse: toEvents(rows)})
}

type adjustRequest struct {
	DeviceID     string               `json:"deviceId,omitempty"`
	LoginID      string               `json:"loginId,omitempty"`
	CreateEvents []model.NewPushEvent `json:"createEvents"`
	RemoveEvents []string             `json:"removeEvents"`
}

func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	if _, err := s.DB.Devices.Get(r.Context(), req.DeviceID); errors.Is(err, pushdb.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not registered")
		return
	} else if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.adjust(w, r, model.Owner{DeviceID: req.DeviceID}, req)
}

type loginRequest struct {
	LoginID string `json:"loginId"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := model.ParseLoginID(req.LoginID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.DB.Events.GetEventsByLoginID(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEvents(rows))
}

func (s *Server) handleLoginUpdate(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := model.ParseLoginID(req.LoginID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.adjust(w, r, model.Owner{LoginID: id}, req)
}

func (s *Server) adjust(w http.ResponseWriter, r *http.Request, owner model.Owner, req adjustRequest) {
	for i, ev := range req.CreateEvents {
		if err := ev.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("createEvents[%d]: %v", i, err))
			return
		}
	}
	rows, err := s.DB.Events.AdjustEvents(r.Context(), owner, req.CreateEvents, req.RemoveEvents, s.now())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEvents(rows))
}

// ── Admin ──

type marketingRequest struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (s *Server) handleMarketing(w http.ResponseWriter, r *http.Request) {
	var req marketingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == "" && req.Body == "" {
		writeError(w, http.StatusBadRequest, "title or body is required")
		return
	}
	n, err := s.Dispatcher.Broadcast(r.Context(), apiKeyFrom(r.Context()), model.PushMessage{
		Title: req.Title,
		Body:  req.Body,
		Data:  req.Data,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": n})
}

func (s *Server) handleAdminDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.DB.Devices.Get(r.Context(), mux.Vars(r)["deviceId"])
	if errors.Is(err, pushdb.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAdminDeviceEvents(w http.ResponseWriter, r *http.Request) {
	rows, err := s.DB.Events.GetEventsByDeviceID(r.Context(), mux.Vars(r)["deviceId"])
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEvents(rows))
}

func (s *Server) handleAdminLoginEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathLoginID(mux.Vars(r)["loginId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.DB.Events.GetEventsByLoginID(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEvents(rows))
}

func (s *Server) handleAdminEvent(w http.ResponseWriter, r *http.Request) {
	row, err := s.DB.Events.GetEvent(r.Context(), mux.Vars(r)["key"])
	if errors.Is(err, pushdb.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventJSON{Key: row.ID, PushEvent: row.Event})
}

// handleFeed streams dispatch notices; ?after_seq replays missed ones.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		writeError(w, http.StatusNotFound, "feed disabled")
		return
	}
	var after int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after_seq must be an integer")
			return
		}
		after = n
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Feed.Attach(conn, after)
}

// parsePathLoginID accepts the URL-safe base64 alphabet, padded or not, so
// login ids fit in a path segment.
func parsePathLoginID(v string) (model.LoginID, error) {
	v = strings.NewReplacer("-", "+", "_", "/").Replace(v)
	if rem := len(v) % 4; rem != 0 {
		v += strings.Repeat("=", 4-rem)
	}
	return model.ParseLoginID(v)
}
