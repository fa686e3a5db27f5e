package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"chatsync/internal/domain"
	"chatsync/internal/security"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// conversationFromSubject extracts the conversation id out of a feed subject,
// returning "" for subjects outside the conv.* namespace.
func conversationFromSubject(subject string) string {
	if !strings.HasPrefix(subject, "conv.") {
		return ""
	}
	rest := strings.TrimPrefix(subject, "conv.")
	idx := strings.LastIndex(rest, ".")
	if idx <= 0 {
		return ""
	}
	switch rest[idx+1:] {
	case "messages", "reactions":
		return rest[:idx]
	}
	return ""
}

// MakeHandler returns the HTTP handler for the /feed endpoint.
// Authenticates via bearer token (Authorization header or
// Sec-WebSocket-Protocol), then serves subscribe/unsubscribe frames.
// Subscriptions are only granted for conversations the user participates in.
func MakeHandler(
	hub *Hub,
	tokens *security.TokenService,
	users domain.UserRepository,
	participants domain.ParticipantRepository,
	allowedOrigins []string,
	log *slog.Logger,
) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	checkOrigin := makeCheckOrigin(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			if authErr, ok := err.(wsAuthError); ok {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		uid := security.UserID(claims)
		if uid == "" {
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}

		ctx := r.Context()
		user, err := users.GetByID(ctx, uid)
		if err != nil || user == nil || !user.IsActive {
			http.Error(w, "user not found or inactive", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := &client{conn: conn}
		defer hub.drop(c)

		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				break
			}

			switch frame.Action {
			case "subscribe":
				convID := conversationFromSubject(frame.Subject)
				if convID == "" {
					sendError(c, "unknown subject")
					continue
				}
				ok, err := participants.IsParticipant(ctx, convID, user.ID)
				if err != nil {
					log.Error("feed participant check", "conversation", convID, "err", err)
					sendError(c, "subscription failed")
					continue
				}
				if !ok {
					sendError(c, "not a participant in this conversation")
					continue
				}
				hub.subscribe(frame.Subject, c)

			case "unsubscribe":
				hub.unsubscribe(frame.Subject, c)

			default:
				log.Warn("unknown feed action", "action", frame.Action, "user", user.ID)
			}
		}
	}
}

func sendError(c *client, msg string) {
	_ = c.send(Frame{Subject: "error", Record: []byte(fmt.Sprintf("%q", msg))})
}
