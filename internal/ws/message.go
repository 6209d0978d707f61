package ws

import (
	"context"
	"log/slog"
	"net/http"

	"fieldhub/internal/auth"
)

// ServeWS upgrades the request and admits the connection. A valid token binds
// the principal it names; a missing or invalid token leaves the connection
// open and unbound unless the hub rejects unauthenticated upgrades.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	slog.Debug("[WS] New WebSocket connection request", "from", remoteAddr)

	token, source := auth.ExtractTokenFromRequest(r)
	roleHint := auth.RoleHint(r)

	var identity *auth.Identity
	switch {
	case token == "":
		slog.Debug("[WS] No token provided", "from", remoteAddr)
	case hub.verifier == nil:
		slog.Warn("[WS] Token presented but no verifier configured", "from", remoteAddr)
	default:
		id, err := hub.verifier.Verify(token)
		if err != nil {
			slog.Warn("[WS] Token validation failed", "from", remoteAddr, "source", source, "error", err)
		} else {
			identity = id
			slog.Info("[WS] Token validated successfully", "user", id.PrincipalID, "role", id.Role, "from", remoteAddr)
		}
	}

	if identity == nil && hub.rejectUnauthenticated {
		http.Error(w, "Unauthorized: valid token required", http.StatusUnauthorized)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "from", remoteAddr, "error", err)
		return
	}

	client := newClient(hub, conn, remoteAddr, roleHint)
	if err := hub.Register(client); err != nil {
		slog.Warn("[WS] Hub closed, dropping connection", "from", remoteAddr)
		conn.Close()
		return
	}

	go client.WritePump()

	if identity != nil {
		client.verified.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), hub.lookupTimeout+writeWait)
		err := hub.Admit(ctx, client, identity.Principal())
		cancel()
		if err != nil {
			slog.Warn("[WS] Failed to bind principal", "user", identity.PrincipalID, "conn", client.id, "error", err)
		}
	} else {
		slog.Info("[WS] Connection admitted unauthenticated", "conn", client.id, "from", remoteAddr, "roleHint", roleHint)
	}

	go client.ReadPump()
}
