package firestore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// fakeStore is an in-process stand-in for the remote store and identity
// service, faithful to the slice of the wire protocol the client speaks:
// batchGet, commit with update and transform writes, create, delete,
// masked PATCH, runQuery, password sign-in/sign-up and token refresh.
// Documents live in a flat map keyed by their path relative to the
// document root, holding plain decoded values.
type fakeStore struct {
	mu sync.Mutex

	project string
	apiKey  string
	server  *httptest.Server

	docs  map[string]map[string]any
	users map[string]*fakeUser

	nextDocID  int
	nextUserID int

	// Authorization header of the most recent document request
	lastAuth string
}

type fakeUser struct {
	uid          string
	email        string
	password     string
	refreshToken string
}

func newFakeStore(t *testing.T) *fakeStore {
	fake := &fakeStore{
		project: "test-project",
		apiKey:  "test-api-key",
		docs:    map[string]map[string]any{},
		users:   map[string]*fakeUser{},
	}
	fake.server = httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(fake.server.Close)
	return fake
}

// newTestSession returns a configured session pointed at the fake.
func newTestSession(t *testing.T, fake *fakeStore) *Session {
	settings := DefaultSessionSettings()
	settings.StoreURL = fake.server.URL + "/v1"
	settings.IdentityURL = fake.server.URL + "/identity/v1"
	settings.SecureTokenURL = fake.server.URL + "/identity/token"
	session := NewSession(settings)
	session.Configure(fake.project, fake.apiKey)
	return session
}

// pump drives the session until every outstanding transaction delivered
// its callback.
func pump(t *testing.T, session *Session) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for session.Pending() {
		if session.Poll() {
			continue
		}
		if time.Now().After(end) {
			t.Fatal("transactions never completed")
		}
		time.Sleep(time.Millisecond)
	}
}

func (self *fakeStore) docRoot() string {
	return fmt.Sprintf("projects/%s/databases/(default)/documents", self.project)
}

func (self *fakeStore) addUser(email string, password string) *fakeUser {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.addUserLocked(email, password)
}

func (self *fakeStore) addUserLocked(email string, password string) *fakeUser {
	self.nextUserID += 1
	user := &fakeUser{
		uid:          fmt.Sprintf("uid-%d", self.nextUserID),
		email:        email,
		password:     password,
		refreshToken: fmt.Sprintf("refresh-%d", self.nextUserID),
	}
	self.users[email] = user
	return user
}

func (self *fakeStore) mintIDToken(user *fakeUser) string {
	claims := jwt.MapClaims{
		"user_id": user.uid,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("fake-store-secret"))
	if err != nil {
		panic(err)
	}
	return token
}

func (self *fakeStore) handle(w http.ResponseWriter, r *http.Request) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if strings.HasPrefix(r.URL.Path, "/identity/") {
		self.handleIdentity(w, r)
		return
	}

	self.lastAuth = r.Header.Get("Authorization")

	prefix := "/v1/" + self.docRoot()
	rel := strings.TrimPrefix(r.URL.Path, prefix)
	rel = strings.TrimPrefix(rel, "/")

	switch {
	case rel == ":batchGet":
		self.handleBatchGet(w, r)
	case rel == ":commit":
		self.handleCommit(w, r)
	case strings.HasSuffix(rel, ":runQuery"):
		self.handleRunQuery(w, r, strings.TrimSuffix(rel, ":runQuery"))
	case r.Method == http.MethodDelete:
		delete(self.docs, rel)
		reply(w, map[string]any{})
	case r.Method == http.MethodPatch:
		self.handlePatch(w, r, rel)
	case r.Method == http.MethodGet:
		self.handleGet(w, r, rel)
	case r.Method == http.MethodPost:
		self.handleCreate(w, r, rel)
	default:
		replyError(w, 400, "unsupported request")
	}
}

func reply(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func replyError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"status":  "INVALID_ARGUMENT",
		},
	})
}

func readBody(r *http.Request) map[string]any {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	return body
}

// relative document path from an absolute resource name
func (self *fakeStore) relPath(name string) string {
	return strings.TrimPrefix(strings.TrimPrefix(name, self.docRoot()), "/")
}

func (self *fakeStore) wireDoc(rel string, doc map[string]any) map[string]any {
	wire := EncodeDocument(doc)
	wire["name"] = self.docRoot() + "/" + rel
	wire["createTime"] = "2024-01-01T00:00:00Z"
	wire["updateTime"] = "2024-01-01T00:00:00Z"
	return wire
}

func (self *fakeStore) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	names, _ := body["documents"].([]any)
	out := []any{}
	for _, n := range names {
		name, _ := n.(string)
		rel := self.relPath(name)
		if doc, ok := self.docs[rel]; ok {
			out = append(out, map[string]any{"found": self.wireDoc(rel, doc)})
		} else {
			out = append(out, map[string]any{"missing": name})
		}
	}
	reply(w, out)
}

func (self *fakeStore) handleCommit(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	writes, _ := body["writes"].([]any)
	writeResults := []any{}
	for _, el := range writes {
		write, _ := el.(map[string]any)
		if update, ok := write["update"].(map[string]any); ok {
			name, _ := update["name"].(string)
			self.docs[self.relPath(name)] = DecodeDocument(update)
			writeResults = append(writeResults, map[string]any{"updateTime": "2024-01-01T00:00:00Z"})
			continue
		}
		if transform, ok := write["transform"].(map[string]any); ok {
			writeResults = append(writeResults, self.applyTransform(transform))
			continue
		}
		replyError(w, 400, "unsupported write")
		return
	}
	reply(w, map[string]any{
		"writeResults": writeResults,
		"commitTime":   "2024-01-01T00:00:00Z",
	})
}

// applyTransform runs the increment transforms of one write against the
// addressed document. A non-numeric or absent target field becomes the
// increment value itself, the same coercion the hosted store applies.
func (self *fakeStore) applyTransform(transform map[string]any) map[string]any {
	name, _ := transform["document"].(string)
	rel := self.relPath(name)
	doc := self.docs[rel]
	if doc == nil {
		doc = map[string]any{}
		self.docs[rel] = doc
	}

	transformResults := []any{}
	fieldTransforms, _ := transform["fieldTransforms"].([]any)
	for _, el := range fieldTransforms {
		ft, _ := el.(map[string]any)
		fieldPath, _ := ft["fieldPath"].(string)
		delta, _ := DecodeValue(ft["increment"]).(float64)

		parent, leaf := navigate(doc, fieldPath)
		value := delta
		if current, ok := parent[leaf].(float64); ok {
			value = current + delta
		}
		parent[leaf] = value
		transformResults = append(transformResults, EncodeValue(value))
	}
	return map[string]any{"transformResults": transformResults}
}

// navigate walks a dotted field path into nested maps, creating the
// intermediate maps, and returns the map owning the final segment.
func navigate(doc map[string]any, fieldPath string) (map[string]any, string) {
	segments := strings.Split(fieldPath, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	return current, segments[len(segments)-1]
}

func (self *fakeStore) handleCreate(w http.ResponseWriter, r *http.Request, rel string) {
	body := readBody(r)
	self.nextDocID += 1
	id := fmt.Sprintf("doc-%04d", self.nextDocID)
	path := rel + "/" + id
	self.docs[path] = DecodeDocument(body)
	reply(w, self.wireDoc(path, self.docs[path]))
}

func (self *fakeStore) handlePatch(w http.ResponseWriter, r *http.Request, rel string) {
	body := readBody(r)
	incoming := DecodeDocument(body)
	doc := self.docs[rel]
	if doc == nil {
		doc = map[string]any{}
		self.docs[rel] = doc
	}
	for _, fieldPath := range r.URL.Query()["updateMask.fieldPaths"] {
		parent, leaf := navigate(doc, fieldPath)
		parent[leaf] = incoming[fieldPath]
	}
	reply(w, self.wireDoc(rel, doc))
}

func (self *fakeStore) handleGet(w http.ResponseWriter, r *http.Request, rel string) {
	if doc, ok := self.docs[rel]; ok {
		reply(w, self.wireDoc(rel, doc))
		return
	}
	// a collection GET lists its immediate documents
	documents := []any{}
	for _, path := range self.collectionDocs(rel) {
		documents = append(documents, self.wireDoc(path, self.docs[path]))
	}
	reply(w, map[string]any{"documents": documents})
}

// collectionDocs returns the sorted paths of the documents directly under
// a collection path.
func (self *fakeStore) collectionDocs(collection string) []string {
	paths := []string{}
	for path := range self.docs {
		parent, _ := splitParentAndID(path)
		if parent == collection {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func (self *fakeStore) handleRunQuery(w http.ResponseWriter, r *http.Request, parent string) {
	body := readBody(r)
	sq, _ := body["structuredQuery"].(map[string]any)
	from, _ := sq["from"].([]any)
	first, _ := from[0].(map[string]any)
	collectionID, _ := first["collectionId"].(string)

	collection := collectionID
	if parent != "" {
		collection = parent + "/" + collectionID
	}

	matches := []string{}
	for _, path := range self.collectionDocs(collection) {
		if self.matchesWhere(self.docs[path], sq["where"]) {
			matches = append(matches, path)
		}
	}

	if orderBy, ok := sq["orderBy"].([]any); ok {
		self.sortMatches(matches, orderBy)
	}

	if limit, ok := sq["limit"].(float64); ok && int(limit) < len(matches) {
		matches = matches[:int(limit)]
	}

	out := []any{}
	for _, path := range matches {
		out = append(out, map[string]any{
			"document": self.wireDoc(path, self.docs[path]),
		})
	}
	// the stream ends with a bare read-time marker carrying no document
	out = append(out, map[string]any{"readTime": "2024-01-01T00:00:00Z"})
	reply(w, out)
}

func (self *fakeStore) matchesWhere(doc map[string]any, where any) bool {
	clause, ok := where.(map[string]any)
	if !ok {
		return true
	}
	composite, _ := clause["compositeFilter"].(map[string]any)
	filters, _ := composite["filters"].([]any)
	for _, el := range filters {
		filter, _ := el.(map[string]any)
		ff, _ := filter["fieldFilter"].(map[string]any)
		field, _ := ff["field"].(map[string]any)
		fieldPath, _ := field["fieldPath"].(string)
		op, _ := ff["op"].(string)
		ref := DecodeValue(ff["value"])

		parent, leaf := navigate(doc, fieldPath)
		if !matchesFilter(parent[leaf], op, ref) {
			return false
		}
	}
	return true
}

func matchesFilter(value any, op string, ref any) bool {
	cmp, comparable := compareValues(value, ref)
	switch op {
	case "EQUAL":
		return comparable && cmp == 0
	case "NOT_EQUAL":
		return comparable && cmp != 0
	case "GREATER_THAN":
		return comparable && cmp > 0
	case "GREATER_THAN_OR_EQUAL":
		return comparable && cmp >= 0
	case "LESS_THAN":
		return comparable && cmp < 0
	case "LESS_THAN_OR_EQUAL":
		return comparable && cmp <= 0
	}
	return false
}

func compareValues(a any, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case bv < av:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok || av != bv {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}

func (self *fakeStore) sortMatches(matches []string, orderBy []any) {
	sort.SliceStable(matches, func(i int, j int) bool {
		for _, el := range orderBy {
			order, _ := el.(map[string]any)
			field, _ := order["field"].(map[string]any)
			fieldPath, _ := field["fieldPath"].(string)
			direction, _ := order["direction"].(string)

			pi, li := navigate(self.docs[matches[i]], fieldPath)
			pj, lj := navigate(self.docs[matches[j]], fieldPath)
			cmp, ok := compareValues(pi[li], pj[lj])
			if !ok || cmp == 0 {
				continue
			}
			if direction == "DESCENDING" {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func (self *fakeStore) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") != self.apiKey {
		replyError(w, 403, "API key not valid")
		return
	}
	body := readBody(r)

	switch {
	case strings.HasSuffix(r.URL.Path, "accounts:signInWithPassword"):
		email, _ := body["email"].(string)
		password, _ := body["password"].(string)
		user, ok := self.users[email]
		if !ok {
			replyError(w, 400, "EMAIL_NOT_FOUND")
			return
		}
		if user.password != password {
			replyError(w, 400, "INVALID_PASSWORD")
			return
		}
		self.replyTokens(w, user)

	case strings.HasSuffix(r.URL.Path, "accounts:signUp"):
		email, _ := body["email"].(string)
		password, _ := body["password"].(string)
		if _, exists := self.users[email]; exists {
			replyError(w, 400, "EMAIL_EXISTS")
			return
		}
		self.replyTokens(w, self.addUserLocked(email, password))

	case strings.HasSuffix(r.URL.Path, "token"):
		grantType, _ := body["grant_type"].(string)
		refreshToken, _ := body["refresh_token"].(string)
		if grantType != "refresh_token" {
			replyError(w, 400, "INVALID_GRANT_TYPE")
			return
		}
		for _, user := range self.users {
			if user.refreshToken == refreshToken {
				reply(w, map[string]any{
					"user_id":       user.uid,
					"id_token":      self.mintIDToken(user),
					"refresh_token": user.refreshToken,
					"expires_in":    "3600",
				})
				return
			}
		}
		replyError(w, 400, "INVALID_REFRESH_TOKEN")

	default:
		replyError(w, 404, "unknown identity endpoint")
	}
}

func (self *fakeStore) replyTokens(w http.ResponseWriter, user *fakeUser) {
	reply(w, map[string]any{
		"localId":      user.uid,
		"email":        user.email,
		"idToken":      self.mintIDToken(user),
		"refreshToken": user.refreshToken,
		"expiresIn":    "3600",
	})
}
