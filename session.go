package mcpprobe

import "sync"

// session holds the connection-scoped state negotiated with the server: the
// resolved POST endpoint and the opaque session identifier, when the server
// issues one. Both are mutated only by the owning transport and cleared when
// the connection is torn down. Message dispatch and sends run on independent
// goroutines, so access is serialized with a mutex.
type session struct {
	mu        sync.Mutex
	postURL   string
	sessionID string
}

func (s *session) setPostURL(u string) {
	s.mu.Lock()
	s.postURL = u
	s.mu.Unlock()
}

func (s *session) PostURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postURL
}

// setSessionID records the identifier from a server response header and
// reports whether it changed. An empty value is ignored so that a header
// missing from one response does not drop an already-captured id.
func (s *session) setSessionID(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == id {
		return false
	}
	s.sessionID = id
	return true
}

func (s *session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *session) reset() {
	s.mu.Lock()
	s.postURL = ""
	s.sessionID = ""
	s.mu.Unlock()
}
