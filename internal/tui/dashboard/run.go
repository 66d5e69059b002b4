package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

const pollInterval = 2 * time.Second

// Run connects to a running gateway and displays the dashboard until the
// user quits.
func Run(serverURL, token string) error {
	serverURL = strings.TrimRight(serverURL, "/")
	feed := &eventFeed{serverURL: serverURL, token: token}

	// The model calls back into the feed on Enter/Esc.
	m := NewModel(serverURL, feed.attach)
	p := tea.NewProgram(m, tea.WithAltScreen())
	feed.program = p

	httpClient := &http.Client{Timeout: 10 * time.Second}

	refresh := func() {
		health, reachable := fetchHealth(httpClient, serverURL)
		p.Send(HealthUpdateMsg{Reachable: reachable, Health: health})

		if sessions, err := fetchSessions(httpClient, serverURL, token); err == nil {
			p.Send(SessionsUpdateMsg{Sessions: sessions})
		}
	}

	done := make(chan struct{})
	go func() {
		refresh()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	_, err := p.Run()
	close(done)
	feed.attach("")
	if err != nil {
		return fmt.Errorf("dashboard error: %w", err)
	}
	return nil
}

func fetchHealth(client *http.Client, serverURL string) (protocol.HealthStatus, bool) {
	var health protocol.HealthStatus
	resp, err := client.Get(serverURL + "/readyz")
	if err != nil {
		return health, false
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, false
	}
	return health, true
}

func fetchSessions(client *http.Client, serverURL, token string) ([]protocol.SessionSummary, error) {
	req, err := http.NewRequest("GET", serverURL+"/v1/sessions", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sessions: %s", resp.Status)
	}
	var sessions []protocol.SessionSummary
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// eventFeed tails one session's WebSocket event stream at a time.
type eventFeed struct {
	serverURL string
	token     string
	program   *tea.Program

	mu   sync.Mutex
	conn *websocket.Conn
}

// attach switches the feed to the given session; empty id detaches.
func (f *eventFeed) attach(sessionID string) {
	f.mu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.mu.Unlock()

	if sessionID == "" {
		if f.program != nil {
			f.program.Send(FeedStateMsg{})
		}
		return
	}

	wsURL := "ws" + strings.TrimPrefix(f.serverURL, "http") +
		"/v1/sessions/" + sessionID + "/ws?token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		f.program.Send(FeedStateMsg{SessionID: sessionID, Err: err})
		return
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.program.Send(FeedStateMsg{SessionID: sessionID})

	go func() {
		for {
			var frame protocol.Envelope
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.program.Send(EventMsg{SessionID: sessionID, Frame: frame})
		}
	}()
}
