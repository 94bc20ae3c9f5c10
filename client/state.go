package client

import "sync"

// Connection states reported by State and the status endpoint.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
)

// ClientState is a snapshot of one client instance for State() and the
// status endpoint.
type ClientState struct {
	State            string   `json:"state"`
	Connected        bool     `json:"connected"`
	NetAppURL        string   `json:"netapp_url,omitempty"`
	ClientID         string   `json:"client_id"`
	Channels         []string `json:"channels"`
	FramesSent       uint64   `json:"frames_sent"`
	ChunksSent       uint64   `json:"chunks_sent"`
	MessagesSent     uint64   `json:"messages_sent"`
	MessagesReceived uint64   `json:"messages_received"`
	SendErrors       uint64   `json:"send_errors"`
	Reconnects       uint64   `json:"reconnects"`
	LastError        string   `json:"last_error,omitempty"`
	LastHeartbeat    string   `json:"last_heartbeat,omitempty"`
	Version          string   `json:"version,omitempty"`
}

// stateTracker guards the mutable part of ClientState. Counters that
// hot paths touch live as atomics on the client; the tracker holds the
// low-rate fields.
type stateTracker struct {
	mu   sync.RWMutex
	data ClientState
}

func (t *stateTracker) SetState(s string) {
	t.mu.Lock()
	t.data.State = s
	t.data.Connected = s == StateConnected
	t.mu.Unlock()
}

func (t *stateTracker) SetNetAppURL(u string) {
	t.mu.Lock()
	t.data.NetAppURL = u
	t.mu.Unlock()
}

func (t *stateTracker) SetLastError(err error) {
	t.mu.Lock()
	if err == nil {
		t.data.LastError = ""
	} else {
		t.data.LastError = err.Error()
	}
	t.mu.Unlock()
}

func (t *stateTracker) SetLastHeartbeat(ts string) {
	t.mu.Lock()
	t.data.LastHeartbeat = ts
	t.mu.Unlock()
}

func (t *stateTracker) Get() ClientState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data
}

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

var (
	versionMu   sync.RWMutex
	versionData VersionInfo
)

// SetBuildInfo records version metadata, normally from main's ldflags.
func SetBuildInfo(version, buildSHA, buildDate string) {
	versionMu.Lock()
	versionData = VersionInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate}
	versionMu.Unlock()
}

// GetVersionInfo returns the recorded build metadata.
func GetVersionInfo() VersionInfo {
	versionMu.RLock()
	defer versionMu.RUnlock()
	return versionData
}
