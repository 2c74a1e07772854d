// Package term bridges a websocket connection to an interactive shell
// on a registered server. Sessions are interactive and per-connection;
// they never touch the task registry.
package term

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"kelda/api/gateway"
	"kelda/api/hub"
	"kelda/api/model"
)

// Handshake is the first inbound message of a connection. Either an
// explicit credential or a serverId resolvable through the directory
// must be present. Every later inbound message is raw keystrokes.
type Handshake struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`
	PasswordB64 string `json:"passwordB64,omitempty"`
	ServerID    string `json:"serverId,omitempty"`
	Token       string `json:"token,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
}

// wsConn is the subset of *websocket.Conn the proxy needs; tests
// substitute fakes.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Proxy struct {
	Dialer   gateway.Dialer
	Servers  model.ServerDirectory
	token    string
	upgrader websocket.Upgrader
}

// NewProxy shares the hub's origin policy. Websocket routes bypass the
// bearer-auth middleware, so when the API carries a token the
// handshake must present it before any shell is opened.
func NewProxy(dialer gateway.Dialer, servers model.ServerDirectory, allowedOrigins []string, token string) *Proxy {
	return &Proxy{
		Dialer:  dialer,
		Servers: servers,
		token:   token,
		upgrader: websocket.Upgrader{
			CheckOrigin: hub.OriginChecker(allowedOrigins),
		},
	}
}

func (p *Proxy) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("term: ws upgrade: %v", err)
		return
	}
	p.serve(r.Context(), conn)
}

// frame sends one [kelda]-prefixed status line. All non-terminal
// output on the socket is raw remote bytes; this is the only framing.
func frame(conn wsConn, format string, args ...interface{}) {
	msg := fmt.Sprintf("[kelda] "+format+"\r\n", args...)
	conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// serve drives one connection through UNBOUND → BOUND → CLOSED.
func (p *Proxy) serve(ctx context.Context, conn wsConn) {
	defer conn.Close()

	// UNBOUND: the first message must be the handshake.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var hs Handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		frame(conn, "invalid handshake: %v", err)
		return
	}
	if p.token != "" && subtle.ConstantTimeCompare([]byte(hs.Token), []byte(p.token)) != 1 {
		frame(conn, "unauthorized")
		return
	}

	target, err := p.resolveTarget(hs)
	if err != nil {
		frame(conn, "%v", err)
		return
	}
	if target.Password == "" && target.PrivateKey == "" {
		frame(conn, "no credential available for %s", target.Host)
		return
	}

	sess, err := p.Dialer.Dial(ctx, target)
	if err != nil {
		frame(conn, "connect failed: %v", err)
		return
	}

	cols, rows := hs.Cols, hs.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	shell, err := sess.Shell(cols, rows)
	if err != nil {
		frame(conn, "shell failed: %v", err)
		sess.Close()
		return
	}

	frame(conn, "connected to %s", target.Host)

	// Teardown order: shell channel, SSH session, then the socket via
	// the outer defer. Each close is guarded inside its owner.
	defer sess.Close()
	defer shell.Close()

	// BOUND: one background reader pumps remote output to the socket
	// until either side closes. Closing the socket when the remote
	// stream ends unblocks the inbound read loop below.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := shell.Stdout.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.Printf("term: remote read: %v", err)
				}
				return
			}
		}
	}()

	// Inbound keystrokes pass through verbatim; the remote PTY owns
	// echo and line discipline.
	for {
		select {
		case <-done:
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, err := shell.Stdin.Write(data); err != nil {
			return
		}
	}
}

// resolveTarget builds the SSH target from the handshake, preferring a
// registered server's stored credentials when serverId is given.
func (p *Proxy) resolveTarget(hs Handshake) (gateway.Target, error) {
	password := hs.Password
	if password == "" && hs.PasswordB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(hs.PasswordB64)
		if err != nil {
			return gateway.Target{}, fmt.Errorf("invalid passwordB64")
		}
		password = string(decoded)
	}

	if hs.ServerID != "" && p.Servers != nil {
		rec, err := p.Servers.FindByID(hs.ServerID)
		if err != nil || rec == nil {
			return gateway.Target{}, fmt.Errorf("unknown server %s", hs.ServerID)
		}
		target := gateway.TargetFor(rec)
		if password != "" {
			target.Password = password
		}
		return target, nil
	}

	if hs.Host == "" || hs.Username == "" {
		return gateway.Target{}, fmt.Errorf("handshake requires host and username")
	}
	return gateway.Target{
		Host:     hs.Host,
		Port:     hs.Port,
		Username: hs.Username,
		Password: password,
	}, nil
}
