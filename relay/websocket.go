package relay

import (
	"net/http"
	"strings"

	"github.com/chris-pikul/envelope-relay/errs"
	"github.com/chris-pikul/envelope-relay/log"
)

//handleStream upgrades a participant's request into a live stream of
//the conversation's events
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	caller := strings.TrimSpace(r.Header.Get(s.opts.Relay.UserHeader))
	if caller == "" {
		writeError(w, errs.ErrUnauthenticated)
		return
	}

	convID := r.PathValue("id")
	if _, err := s.service.Conversations.Authorize(r.Context(), convID, caller); err != nil {
		writeError(w, err)
		return
	}

	//Subscribe before upgrading so nothing committed after the
	//handshake completes can be missed
	sub := s.service.Hub.Subscribe(convID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Warnf("upgrading connection to websocket failed: %s", err.Error())
		return
	}

	client := &Client{
		conn:           conn,
		server:         s,
		sub:            sub,
		sendBuffer:     make(chan interface{}, 16),
		done:           make(chan struct{}),
		ConversationID: convID,
		UserID:         caller,
	}
	s.addClient(client)
	LogInfo(client, "stream attached")

	go client.watchWrites()
	go client.watchReads()
}
