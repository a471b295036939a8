// Package identity manages the browser identity presented upstream: the
// user agent string and the cookie jar that accumulates session state.
package identity

import (
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"sync"
)

// defaultAgents are current desktop browser strings. Sites profile these
// together with TLS fingerprints, so they are rotated as a unit with the
// cookie jar rather than per request.
var defaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36 Edg/125.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
}

// Session is one coherent browsing identity.
type Session struct {
	UserAgent string
	Jar       http.CookieJar
}

// Rotator hands out sessions keyed by egress identity (typically the
// proxy address, or "direct"). A session is sticky until the pipeline
// reports it blocked, at which point Rotate swaps in a new one.
type Rotator struct {
	mu       sync.Mutex
	agents   []string
	sessions map[string]Session
}

// New builds a rotator over the given user agents, falling back to the
// built-in list when none are configured. Blank and repeated entries
// are dropped so the distinct-agent guarantee in newSession holds.
func New(agents []string) *Rotator {
	uniq := make([]string, 0, len(agents))
	seen := make(map[string]bool, len(agents))
	for _, agent := range agents {
		if agent == "" || seen[agent] {
			continue
		}
		seen[agent] = true
		uniq = append(uniq, agent)
	}
	if len(uniq) == 0 {
		uniq = defaultAgents
	}
	return &Rotator{
		agents:   uniq,
		sessions: make(map[string]Session),
	}
}

// For returns the current session for key, creating one on first use.
func (r *Rotator) For(key string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s
	}
	s := r.newSession("")
	r.sessions[key] = s
	return s
}

// Rotate discards key's session and starts a fresh one with a different
// user agent and an empty cookie jar.
func (r *Rotator) Rotate(key string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.newSession(r.sessions[key].UserAgent)
	r.sessions[key] = s
	return s
}

// newSession picks a user agent, avoiding previous so a rotation is
// always observable when more than one agent is configured.
func (r *Rotator) newSession(previous string) Session {
	agent := r.agents[rand.IntN(len(r.agents))]
	for len(r.agents) > 1 && agent == previous {
		agent = r.agents[rand.IntN(len(r.agents))]
	}
	jar, _ := cookiejar.New(nil)
	return Session{UserAgent: agent, Jar: jar}
}
