// Package firestore is a small asynchronous client for a document store
// speaking the Firestore REST protocol. Operations are submitted through
// document references and never block: each returns a transaction id
// immediately, and its callback runs later, inside Session.Poll, once the
// response has arrived. A Session and everything derived from it must be
// driven from a single goroutine; concurrency lives below the transport.
package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// endpoint roots of the hosted service
const (
	defaultStoreURL       = "https://firestore.googleapis.com/v1"
	defaultIdentityURL    = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL = "https://securetoken.googleapis.com/v1/token"
)

type SessionSettings struct {
	// endpoint roots, overridable for emulators and tests
	StoreURL       string
	IdentityURL    string
	SecureTokenURL string

	// nil keeps the session silent
	Logger Logger

	// log every transfer's method, URL and body
	TraceTransfers bool

	// accept any TLS certificate; emulators rarely carry a real chain
	InsecureSkipVerify bool

	// transport budgets; a zero HTTPTimeout means no overall limit
	HTTPTimeout    time.Duration
	ConnectTimeout time.Duration
	TLSTimeout     time.Duration

	// capacity of the completion channel between transport and Poll
	CompletionBuffer int

	// nil selects the built-in net/http transport
	Transport Transport
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		StoreURL:         defaultStoreURL,
		IdentityURL:      defaultIdentityURL,
		SecureTokenURL:   defaultSecureTokenURL,
		ConnectTimeout:   5 * time.Second,
		TLSTimeout:       5 * time.Second,
		CompletionBuffer: 16,
	}
}

func (self *SessionSettings) logger() Logger {
	if self.Logger == nil {
		return nopLogger{}
	}
	return self.Logger
}

// Session holds the credentials, the URL roots and the request pool for
// one project. Configure it, optionally Connect, derive Refs, and call
// Poll until Pending turns false. All of that must happen on one
// goroutine; callbacks run inside Poll on that same goroutine.
type Session struct {
	ctx context.Context

	settings *SessionSettings
	log      Logger

	projectID string
	apiKey    string

	// absolute URL prefix of the document endpoints
	urlRoot string
	// resource name prefix used inside request bodies
	docRoot string

	userID       string
	token        string
	refreshToken string
	tokenExpiry  time.Time

	pool *requestPool
}

func NewSession(settings *SessionSettings) *Session {
	return NewSessionWithContext(context.Background(), settings)
}

func NewSessionWithContext(ctx context.Context, settings *SessionSettings) *Session {
	if settings == nil {
		settings = DefaultSessionSettings()
	}
	normalized := *settings
	if normalized.StoreURL == "" {
		normalized.StoreURL = defaultStoreURL
	}
	if normalized.IdentityURL == "" {
		normalized.IdentityURL = defaultIdentityURL
	}
	if normalized.SecureTokenURL == "" {
		normalized.SecureTokenURL = defaultSecureTokenURL
	}
	if normalized.CompletionBuffer <= 0 {
		normalized.CompletionBuffer = 16
	}
	return &Session{
		ctx:      ctx,
		settings: &normalized,
		log:      normalized.logger(),
	}
}

// Configure derives the project's URL roots and sets up the request pool.
// It must precede every other call. Reconfiguring an active session keeps
// the pool; Disconnect first for a clean slate.
func (self *Session) Configure(projectID string, apiKey string) {
	self.projectID = projectID
	self.apiKey = apiKey
	self.urlRoot = fmt.Sprintf("%s/projects/%s/databases/(default)/documents", self.settings.StoreURL, projectID)
	self.docRoot = fmt.Sprintf("projects/%s/databases/(default)/documents", projectID)
	if self.pool == nil {
		transport := self.settings.Transport
		if transport == nil {
			transport = newHTTPTransport(self.settings)
		}
		self.pool = newRequestPool(self.ctx, transport, self.settings)
	}
	self.log.Logf(LevelTrace, "configured for project %s", projectID)
}

// Ref addresses the document or collection at path.
func (self *Session) Ref(path string) Ref {
	return Ref{session: self, path: path}
}

// UID returns the id of the authenticated user, empty before Connect.
func (self *Session) UID() string {
	return self.userID
}

// TokenExpiry reports when the current bearer token stops being accepted,
// zero when unknown or not authenticated.
func (self *Session) TokenExpiry() time.Time {
	return self.tokenExpiry
}

// Poll performs one non-blocking progress step, dispatching the callbacks
// of every transaction that completed since the previous call. Reports
// whether at least one callback ran.
func (self *Session) Poll() bool {
	return self.pool != nil && self.pool.poll()
}

// Pending is true while any transaction is outstanding.
func (self *Session) Pending() bool {
	return self.pool != nil && self.pool.pending()
}

// Dump logs every outstanding transaction at LevelLog.
func (self *Session) Dump() {
	if self.pool != nil {
		self.pool.dump()
	}
}

// Connect signs in with email and password. On success the user id and the
// bearer token are installed before the callback runs; every later
// operation authenticates with that token. On failure the remote error
// code (e.g. ErrAuthEmailNotFound) is surfaced in Result.Err.
func (self *Session) Connect(email string, password string, callback Callback) uint64 {
	return self.authRequest("connect", self.settings.IdentityURL+"/accounts:signInWithPassword", email, password, callback)
}

// SignUp registers a new email and password user, then signs in as it.
func (self *Session) SignUp(email string, password string, callback Callback) uint64 {
	return self.authRequest("signup", self.settings.IdentityURL+"/accounts:signUp", email, password, callback)
}

// ConnectOrSignUp signs in, falling back to a sign-up when the email is
// not registered yet.
func (self *Session) ConnectOrSignUp(email string, password string, callback Callback) uint64 {
	return self.Connect(email, password, func(result *Result) {
		if result.Err == ErrAuthEmailNotFound {
			self.log.Logf(LevelLog, "email not registered, signing up")
			self.SignUp(email, password, callback)
			return
		}
		if callback != nil {
			callback(result)
		}
	})
}

func (self *Session) authRequest(label string, endpoint string, email string, password string, callback Callback) uint64 {
	url := endpoint + "?key=" + self.apiKey
	body := map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}
	install := func(result *Result) {
		if result.Err == 0 {
			self.installCredentials(result)
		}
		if callback != nil {
			callback(result)
		}
	}
	return self.submit(url, body, install, label, flagConnect, decodeAuth)
}

func (self *Session) installCredentials(result *Result) {
	obj, _ := result.Value.(map[string]any)
	self.userID, _ = obj["localId"].(string)
	if refresh, ok := obj["refreshToken"].(string); ok && refresh != "" {
		self.refreshToken = refresh
	}
	token, _ := obj["idToken"].(string)
	self.log.Logf(LevelLog, "local uid: %s", self.userID)
	self.setToken(token)
}

// Refresh exchanges the refresh token kept from the last sign-in for a
// renewed bearer token and installs it. Returns 0 when the session never
// authenticated.
func (self *Session) Refresh(callback Callback) uint64 {
	if self.refreshToken == "" {
		self.log.Logf(LevelError, "refresh: no refresh token, connect first")
		return 0
	}
	url := self.settings.SecureTokenURL + "?key=" + self.apiKey
	body := map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": self.refreshToken,
	}
	install := func(result *Result) {
		if result.Err == 0 {
			obj, _ := result.Value.(map[string]any)
			if refresh, ok := obj["refresh_token"].(string); ok && refresh != "" {
				self.refreshToken = refresh
			}
			if uid, ok := obj["user_id"].(string); ok && uid != "" {
				self.userID = uid
			}
			token, _ := obj["id_token"].(string)
			self.setToken(token)
		}
		if callback != nil {
			callback(result)
		}
	}
	return self.submit(url, body, install, "refresh", flagConnect, decodeAuth)
}

// setToken installs the bearer token on the pool and pulls the expiry out
// of its claims. The token is a JWT; it is not verified here, the store
// does that on every request.
func (self *Session) setToken(token string) {
	self.token = token
	self.tokenExpiry = time.Time{}
	if token != "" {
		parser := jwt.NewParser()
		if parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err == nil {
			if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
				self.tokenExpiry = exp.Time
			}
		}
		self.log.Logf(LevelTrace, "token installed, expires %v", self.tokenExpiry)
	}
	if self.pool != nil {
		self.pool.setToken(token)
	}
}

// Disconnect abandons all outstanding work and clears the credentials.
// Callbacks of in-flight transactions never run. Configure starts a fresh
// pool afterward.
func (self *Session) Disconnect() {
	if self.pool != nil {
		self.pool.teardown()
		self.pool = nil
	}
	self.token = ""
	self.refreshToken = ""
	self.userID = ""
	self.tokenExpiry = time.Time{}
	self.log.Logf(LevelLog, "disconnected")
}

// submit composes the absolute URL and hands the transaction to the pool.
// Suffixes starting with ':' attach directly to the URL root; identity
// transactions carry absolute URLs already. Returns the transaction id, 0
// when the session is not configured.
func (self *Session) submit(urlSuffix string, body any, callback Callback, label string, flags int, decode decodeKind) uint64 {
	if self.pool == nil {
		self.log.Logf(LevelError, "%s: session not configured", label)
		return 0
	}
	url := urlSuffix
	if flags&flagConnect == 0 {
		url = self.urlRoot
		if !strings.HasPrefix(urlSuffix, ":") {
			url += "/"
		}
		url += urlSuffix
	}
	return self.pool.submit(url, body, callback, label, flags, decode)
}
