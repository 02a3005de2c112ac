package relay

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/chris-pikul/envelope-relay/conversation"
	"github.com/chris-pikul/envelope-relay/envelope"
	"github.com/chris-pikul/envelope-relay/errs"
	"github.com/chris-pikul/envelope-relay/keys"
)

//smallBody bounds requests that carry no ciphertext
const smallBody = 64 * 1024

//envelopeBody leaves room for base64 expansion of the ciphertext
func (s *Server) envelopeBody() int64 {
	return int64(s.opts.Relay.MaxEnvelopeBytes)*2 + smallBody
}

func (s *Server) handlePutKeys(w http.ResponseWriter, r *http.Request, caller string) error {
	userID := r.PathValue("userId")
	if userID != caller {
		return errs.ErrNotAuthorized
	}

	var up keys.Upload
	if err := decodeBody(w, r, smallBody, &up); err != nil {
		return err
	}

	b, err := s.service.Keys.Upload(r.Context(), userID, r.PathValue("deviceId"), up)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, b)
	return nil
}

func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request, caller string) error {
	b, err := s.service.Keys.Fetch(r.Context(), r.PathValue("userId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, b)
	return nil
}

func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request, caller string) error {
	list, err := s.service.Keys.Devices(r.Context(), r.PathValue("userId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, list)
	return nil
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, caller string) error {
	var req conversation.CreateRequest
	if err := decodeBody(w, r, smallBody, &req); err != nil {
		return err
	}
	req.InitiatorID = caller

	c, err := s.service.Conversations.CreateOrFind(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, c)
	return nil
}

//participantsParam accepts repeated and comma separated values
func participantsParam(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["participants"] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

//handleFindConversations finds by participant set, or without one lists
//the caller's own conversations when listing is allowed
func (s *Server) handleFindConversations(w http.ResponseWriter, r *http.Request, caller string) error {
	if !r.URL.Query().Has("participants") {
		if !s.opts.Relay.AllowList {
			return errs.InvalidPayload("participants is required")
		}
		list, err := s.service.Conversations.ListForUser(r.Context(), caller)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, list)
		return nil
	}

	c, err := s.service.Conversations.FindByParticipants(r.Context(), participantsParam(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, c)
	return nil
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, caller string) error {
	c, err := s.service.Conversations.Authorize(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, c)
	return nil
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, caller string) error {
	if err := s.service.Conversations.Delete(r.Context(), r.PathValue("id"), caller); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, caller string) error {
	var req envelope.AppendRequest
	if err := decodeBody(w, r, s.envelopeBody(), &req); err != nil {
		return err
	}
	req.ConversationID = r.PathValue("id")
	req.SenderUserID = caller

	env, created, err := s.service.Envelopes.Append(r.Context(), req)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, env)
	return nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, caller string) error {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errs.InvalidPayload("limit must be a positive integer")
		}
		limit = n
	}

	list, err := s.service.Envelopes.History(r.Context(), r.PathValue("id"), caller, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, list)
	return nil
}

type ackRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, caller string) error {
	var req ackRequest
	if err := decodeBody(w, r, smallBody, &req); err != nil {
		return err
	}
	status, err := envelope.ParseStatus(req.Status)
	if err != nil {
		return err
	}

	env, err := s.service.Envelopes.Acknowledge(r.Context(), r.PathValue("id"), r.PathValue("messageId"), caller, status)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, env)
	return nil
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, caller string) error {
	c, err := s.service.Cursors.MarkRead(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, c)
	return nil
}

func (s *Server) handleGetRead(w http.ResponseWriter, r *http.Request, caller string) error {
	c, err := s.service.Cursors.Get(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, c)
	return nil
}

type unreadResponse struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Unread         int    `json:"unread"`
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request, caller string) error {
	id := r.PathValue("id")
	n, err := s.service.Cursors.Unread(r.Context(), id, caller)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, unreadResponse{ConversationID: id, UserID: caller, Unread: n})
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		writeError(w, errs.Unavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
